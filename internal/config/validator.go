package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "execution.pool_size")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateEscrow()...)
	errors = append(errors, c.validatePayment()...)
	errors = append(errors, c.validateExecution()...)
	errors = append(errors, c.validateVerification()...)
	errors = append(errors, c.validateLLM()...)
	errors = append(errors, c.validateSettlement()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func positiveDuration(field string, d time.Duration) []ValidationError {
	if d <= 0 {
		return []ValidationError{{Field: field, Value: d, Message: "must be positive"}}
	}
	return nil
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError
	if c.Server.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must not be empty",
		})
	}
	errors = append(errors, positiveDuration("server.read_timeout", c.Server.ReadTimeout)...)
	errors = append(errors, positiveDuration("server.shutdown_timeout", c.Server.ShutdownTimeout)...)
	return errors
}

func (c *Config) validateStore() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidStoreDrivers(), c.Store.Driver) {
		errors = append(errors, ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStoreDrivers(), ", ")),
		})
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		errors = append(errors, ValidationError{
			Field:   "store.dsn",
			Value:   c.Store.DSN,
			Message: "is required for SQL drivers",
		})
	}
	if c.Store.BusyRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "store.busy_retries",
			Value:   c.Store.BusyRetries,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateEscrow() []ValidationError {
	var errors []ValidationError

	fee := c.Escrow.PlatformFeePercent
	if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		errors = append(errors, ValidationError{
			Field:   "escrow.platform_fee_percent",
			Value:   fee.String(),
			Message: "must be between 0 and 100 (exclusive)",
		})
	}
	if _, err := currency.ParseISO(c.Escrow.Currency); err != nil {
		errors = append(errors, ValidationError{
			Field:   "escrow.currency",
			Value:   c.Escrow.Currency,
			Message: "must be an ISO 4217 currency code",
		})
	}
	if c.Escrow.GatewayRetryAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "escrow.gateway_retry_attempts",
			Value:   c.Escrow.GatewayRetryAttempts,
			Message: "must be at least 1",
		})
	}
	errors = append(errors, positiveDuration("escrow.gateway_retry_base", c.Escrow.GatewayRetryBase)...)
	if c.Escrow.GatewayRetryMax < c.Escrow.GatewayRetryBase {
		errors = append(errors, ValidationError{
			Field:   "escrow.gateway_retry_max",
			Value:   c.Escrow.GatewayRetryMax,
			Message: "must not be less than escrow.gateway_retry_base",
		})
	}

	return errors
}

func (c *Config) validatePayment() []ValidationError {
	return positiveDuration("payment.signature_tolerance", c.Payment.SignatureTolerance)
}

func (c *Config) validateExecution() []ValidationError {
	var errors []ValidationError
	e := c.Execution

	if e.PoolSize < 1 || e.PoolSize > 256 {
		errors = append(errors, ValidationError{
			Field:   "execution.pool_size",
			Value:   e.PoolSize,
			Message: "must be between 1 and 256",
		})
	}
	errors = append(errors, positiveDuration("execution.default_timeout", e.DefaultTimeout)...)
	if e.MemoryLimitMB < 16 {
		errors = append(errors, ValidationError{
			Field:   "execution.memory_limit_mb",
			Value:   e.MemoryLimitMB,
			Message: "must be at least 16",
		})
	}
	if e.MaxRetries < 0 || e.MaxRetries > 20 {
		errors = append(errors, ValidationError{
			Field:   "execution.max_retries",
			Value:   e.MaxRetries,
			Message: "must be between 0 and 20",
		})
	}
	errors = append(errors, positiveDuration("execution.retry_base_delay", e.RetryBaseDelay)...)
	if e.RetryMaxDelay < e.RetryBaseDelay {
		errors = append(errors, ValidationError{
			Field:   "execution.retry_max_delay",
			Value:   e.RetryMaxDelay,
			Message: "must not be less than execution.retry_base_delay",
		})
	}
	if e.CancelGrace < 0 {
		errors = append(errors, ValidationError{
			Field:   "execution.cancel_grace",
			Value:   e.CancelGrace,
			Message: "must be non-negative",
		})
	}
	errors = append(errors, positiveDuration("execution.poll_interval", e.PollInterval)...)

	return errors
}

func (c *Config) validateVerification() []ValidationError {
	var errors []ValidationError
	v := c.Verification

	if v.PassThreshold < 0 || v.PassThreshold > 100 {
		errors = append(errors, ValidationError{
			Field:   "verification.pass_threshold",
			Value:   v.PassThreshold,
			Message: "must be between 0 and 100",
		})
	}
	if v.FailFloor < 0 || v.FailFloor > v.PassThreshold {
		errors = append(errors, ValidationError{
			Field:   "verification.fail_floor",
			Value:   v.FailFloor,
			Message: "must be between 0 and verification.pass_threshold",
		})
	}
	if !slices.Contains(ValidProviders(), v.Provider) {
		errors = append(errors, ValidationError{
			Field:   "verification.provider",
			Value:   v.Provider,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidProviders(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateLLM() []ValidationError {
	if c.Verification.Provider != "llm" {
		return nil
	}

	var errors []ValidationError
	if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Value:   c.LLM.BaseURL,
			Message: "must be an absolute URL",
		})
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.model",
			Value:   c.LLM.Model,
			Message: "must not be empty",
		})
	}
	errors = append(errors, positiveDuration("llm.timeout", c.LLM.Timeout)...)
	if c.LLM.MaxFailures < 1 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_failures",
			Value:   c.LLM.MaxFailures,
			Message: "must be at least 1",
		})
	}
	return errors
}

func (c *Config) validateSettlement() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positiveDuration("settlement.review_grace_period", c.Settlement.ReviewGracePeriod)...)
	errors = append(errors, positiveDuration("settlement.sweep_interval", c.Settlement.SweepInterval)...)
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
