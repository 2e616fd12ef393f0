package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config represents the complete bountyd configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Escrow       EscrowConfig       `mapstructure:"escrow"`
	Payment      PaymentConfig      `mapstructure:"payment"`
	Execution    ExecutionConfig    `mapstructure:"execution"`
	Verification VerificationConfig `mapstructure:"verification"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Settlement   SettlementConfig   `mapstructure:"settlement"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	// Addr is the listen address (default ":8080")
	Addr string `mapstructure:"addr"`
	// ReadTimeout bounds how long a request body may take to arrive
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// ShutdownTimeout bounds graceful shutdown of in-flight requests
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	// Driver is one of "sqlite3", "pgx", "memory"
	Driver string `mapstructure:"driver"`
	// DSN is the driver-specific data source name. For sqlite3 this is a file path.
	DSN string `mapstructure:"dsn"`
	// BusyRetries is how many times a locked-database error is retried (sqlite3 only)
	BusyRetries int `mapstructure:"busy_retries"`
}

// EscrowConfig controls fund holding and release
type EscrowConfig struct {
	// PlatformFeePercent is withheld from every payout (default 15)
	PlatformFeePercent decimal.Decimal `mapstructure:"platform_fee_percent"`
	// Currency is the ISO 4217 code used when a task does not name one
	Currency string `mapstructure:"currency"`
	// GatewayRetryAttempts is the total number of attempts for a gateway call
	GatewayRetryAttempts int `mapstructure:"gateway_retry_attempts"`
	// GatewayRetryBase is the first backoff delay between gateway attempts
	GatewayRetryBase time.Duration `mapstructure:"gateway_retry_base"`
	// GatewayRetryMax caps the backoff delay between gateway attempts
	GatewayRetryMax time.Duration `mapstructure:"gateway_retry_max"`
}

// PaymentConfig controls inbound payment webhooks
type PaymentConfig struct {
	// WebhookSecret is the shared HMAC secret. Webhooks are rejected while it is empty.
	WebhookSecret string `mapstructure:"webhook_secret"`
	// SignatureTolerance is the maximum clock skew accepted for a signed timestamp
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance"`
}

// ExecutionConfig controls the execution queue and sandbox
type ExecutionConfig struct {
	// PoolSize is the number of executions that may run at once
	PoolSize int `mapstructure:"pool_size"`
	// DefaultTimeout is the wall-clock budget of one execution (default 300s)
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// MemoryLimitMB is the memory ceiling of one execution (default 512)
	MemoryLimitMB int `mapstructure:"memory_limit_mb"`
	// MaxRetries bounds the attempts of one submission; after this many
	// transient failures the submission is rejected (default 3)
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBaseDelay is the delay before the first retry; later retries double it
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// RetryMaxDelay caps the retry delay
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
	// CancelGrace is how long a cancelled worker may take to exit before it is killed
	CancelGrace time.Duration `mapstructure:"cancel_grace"`
	// PollInterval is how often the queue checks for due retries
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// WorkDir is the parent of per-execution scratch directories (default: OS temp dir)
	WorkDir string `mapstructure:"workdir"`
}

// VerificationConfig controls automated scoring
type VerificationConfig struct {
	// PassThreshold is the minimum score for an automatic pass (default 80)
	PassThreshold float64 `mapstructure:"pass_threshold"`
	// FailFloor is the score below which an audit fails outright (default 50)
	FailFloor float64 `mapstructure:"fail_floor"`
	// Provider selects the reasoning provider for llm criteria: "llm" or "none"
	Provider string `mapstructure:"provider"`
}

// LLMConfig configures the OpenAI-compatible reasoning provider
type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int `mapstructure:"max_failures"`
	// Cooldown is how long the circuit stays open
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// SettlementConfig controls what happens after verification
type SettlementConfig struct {
	// AutoRelease releases escrow as soon as an audit passes. When false an
	// operator must call release explicitly.
	AutoRelease bool `mapstructure:"auto_release"`
	// ReviewGracePeriod is how long a task may sit under review before it is
	// flagged for manual resolution (default 72h)
	ReviewGracePeriod time.Duration `mapstructure:"review_grace_period"`
	// SweepInterval is how often deadlines and stuck reviews are checked
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Dir is the directory for bountyd.log. Empty logs to stderr.
	Dir string `mapstructure:"dir"`
	// MaxSizeMB is the maximum log file size before rotation (default 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep (default 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// MemoryLimitBytes returns the memory ceiling in bytes.
func (c *ExecutionConfig) MemoryLimitBytes() int64 {
	return int64(c.MemoryLimitMB) * 1024 * 1024
}

// FeeRate returns the platform fee as a fraction (15 -> 0.15).
func (c *EscrowConfig) FeeRate() decimal.Decimal {
	return c.PlatformFeePercent.Div(decimal.NewFromInt(100))
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:      "sqlite3",
			DSN:         filepath.Join(DataDir(), "bountyd.db"),
			BusyRetries: 5,
		},
		Escrow: EscrowConfig{
			PlatformFeePercent:   decimal.NewFromInt(15),
			Currency:             "USD",
			GatewayRetryAttempts: 4,
			GatewayRetryBase:     200 * time.Millisecond,
			GatewayRetryMax:      5 * time.Second,
		},
		Payment: PaymentConfig{
			SignatureTolerance: 5 * time.Minute,
		},
		Execution: ExecutionConfig{
			PoolSize:       4,
			DefaultTimeout: 300 * time.Second,
			MemoryLimitMB:  512,
			MaxRetries:     3,
			RetryBaseDelay: 30 * time.Second,
			RetryMaxDelay:  10 * time.Minute,
			CancelGrace:    5 * time.Second,
			PollInterval:   time.Second,
		},
		Verification: VerificationConfig{
			PassThreshold: 80,
			FailFloor:     50,
			Provider:      "llm",
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:11434/v1",
			Model:       "gpt-4o-mini",
			Timeout:     60 * time.Second,
			MaxFailures: 3,
			Cooldown:    30 * time.Second,
		},
		Settlement: SettlementConfig{
			AutoRelease:       true,
			ReviewGracePeriod: 72 * time.Hour,
			SweepInterval:     time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Server defaults
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.read_timeout", defaults.Server.ReadTimeout.String())
	viper.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout.String())

	// Store defaults
	viper.SetDefault("store.driver", defaults.Store.Driver)
	viper.SetDefault("store.dsn", defaults.Store.DSN)
	viper.SetDefault("store.busy_retries", defaults.Store.BusyRetries)

	// Escrow defaults. The fee is registered as a string so `config show`
	// prints it the way a user would write it.
	viper.SetDefault("escrow.platform_fee_percent", defaults.Escrow.PlatformFeePercent.String())
	viper.SetDefault("escrow.currency", defaults.Escrow.Currency)
	viper.SetDefault("escrow.gateway_retry_attempts", defaults.Escrow.GatewayRetryAttempts)
	viper.SetDefault("escrow.gateway_retry_base", defaults.Escrow.GatewayRetryBase.String())
	viper.SetDefault("escrow.gateway_retry_max", defaults.Escrow.GatewayRetryMax.String())

	// Payment defaults
	viper.SetDefault("payment.webhook_secret", defaults.Payment.WebhookSecret)
	viper.SetDefault("payment.signature_tolerance", defaults.Payment.SignatureTolerance.String())

	// Execution defaults
	viper.SetDefault("execution.pool_size", defaults.Execution.PoolSize)
	viper.SetDefault("execution.default_timeout", defaults.Execution.DefaultTimeout.String())
	viper.SetDefault("execution.memory_limit_mb", defaults.Execution.MemoryLimitMB)
	viper.SetDefault("execution.max_retries", defaults.Execution.MaxRetries)
	viper.SetDefault("execution.retry_base_delay", defaults.Execution.RetryBaseDelay.String())
	viper.SetDefault("execution.retry_max_delay", defaults.Execution.RetryMaxDelay.String())
	viper.SetDefault("execution.cancel_grace", defaults.Execution.CancelGrace.String())
	viper.SetDefault("execution.poll_interval", defaults.Execution.PollInterval.String())
	viper.SetDefault("execution.workdir", defaults.Execution.WorkDir)

	// Verification defaults
	viper.SetDefault("verification.pass_threshold", defaults.Verification.PassThreshold)
	viper.SetDefault("verification.fail_floor", defaults.Verification.FailFloor)
	viper.SetDefault("verification.provider", defaults.Verification.Provider)

	// LLM defaults
	viper.SetDefault("llm.base_url", defaults.LLM.BaseURL)
	viper.SetDefault("llm.model", defaults.LLM.Model)
	viper.SetDefault("llm.api_key", defaults.LLM.APIKey)
	viper.SetDefault("llm.timeout", defaults.LLM.Timeout.String())
	viper.SetDefault("llm.max_failures", defaults.LLM.MaxFailures)
	viper.SetDefault("llm.cooldown", defaults.LLM.Cooldown.String())

	// Settlement defaults
	viper.SetDefault("settlement.auto_release", defaults.Settlement.AutoRelease)
	viper.SetDefault("settlement.review_grace_period", defaults.Settlement.ReviewGracePeriod.String())
	viper.SetDefault("settlement.sweep_interval", defaults.Settlement.SweepInterval.String())

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// decodeHook is used for every Unmarshal so that "30s" style strings and
// decimal amounts decode into their Go types.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		StringToDecimalHookFunc(),
	)
}

// StringToDecimalHookFunc returns a mapstructure hook converting strings and
// numbers into decimal.Decimal.
func StringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != target || f == target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return nil, fmt.Errorf("cannot decode %T into decimal", data)
		}
	}
}

// Load reads the configuration from viper
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// Watch reloads the configuration whenever the config file changes and
// passes every valid result to onChange. Invalid edits are reported to
// onError and otherwise ignored, so the running daemon keeps its last good
// configuration.
func Watch(onChange func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		reload(e, onChange, onError)
	})
	viper.WatchConfig()
}

func reload(e fsnotify.Event, onChange func(*Config), onError func(error)) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	cfg, err := Load()
	if err != nil {
		if onError != nil {
			onError(fmt.Errorf("reload %s: %w", e.Name, err))
		}
		return
	}
	onChange(cfg)
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "bountyd")
	}
	// Fall back to ~/.config/bountyd
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bountyd"
	}
	return filepath.Join(home, ".config", "bountyd")
}

// DataDir returns the directory holding the default SQLite database
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "bountyd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bountyd"
	}
	return filepath.Join(home, ".local", "share", "bountyd")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidStoreDrivers returns the list of supported store drivers
func ValidStoreDrivers() []string {
	return []string{"sqlite3", "pgx", "memory"}
}

// ValidProviders returns the list of supported verification providers
func ValidProviders() []string {
	return []string{"llm", "none"}
}
