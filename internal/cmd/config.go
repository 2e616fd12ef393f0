package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bountyhub/bountyd/internal/config"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify bountyd configuration",
	Long: `View or modify bountyd configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  bountyd config set execution.pool_size 8
  bountyd config set settlement.auto_release false
  bountyd config set verification.pass_threshold 85

Valid keys:
  server.addr                     - HTTP listen address
  store.driver                    - Options: sqlite3, pgx, memory
  store.dsn                       - Driver data source name
  escrow.platform_fee_percent     - Fee withheld from payouts (0-100)
  execution.pool_size             - Concurrent executions
  execution.default_timeout       - Execution wall-clock budget (e.g. 300s)
  execution.memory_limit_mb       - Execution memory ceiling
  execution.max_retries           - Attempts per submission
  verification.pass_threshold     - Score for an automatic pass
  verification.fail_floor         - Score below which an audit fails
  verification.provider           - Options: llm, none
  settlement.auto_release         - Release escrow on an automatic pass (true/false)
  settlement.review_grace_period  - Review time before a task is flagged (e.g. 72h)
  logging.level                   - Options: debug, info, warn, error`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/bountyd/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// secretKeys are masked by config show.
var secretKeys = []string{"payment.webhook_secret", "llm.api_key"}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if _, err := config.Load(); err != nil {
		fmt.Fprintf(out, "Warning: configuration is invalid, the daemon would refuse to start:\n%v\n\n", err)
	}

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Config file: %s\n\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Config file: (none - using defaults)\n\n")
	}

	settings := viper.AllSettings()
	for _, key := range secretKeys {
		if viper.GetString(key) != "" {
			section, field, _ := strings.Cut(key, ".")
			if m, ok := settings[section].(map[string]any); ok {
				m[field] = "********"
			}
		}
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// settableKeys maps each key accepted by config set to its value kind.
var settableKeys = map[string]string{
	"server.addr":                    "string",
	"store.driver":                   "driver",
	"store.dsn":                      "string",
	"escrow.platform_fee_percent":    "decimal",
	"execution.pool_size":            "int",
	"execution.default_timeout":      "duration",
	"execution.memory_limit_mb":      "int",
	"execution.max_retries":          "int",
	"verification.pass_threshold":    "float",
	"verification.fail_floor":        "float",
	"verification.provider":          "provider",
	"settlement.auto_release":        "bool",
	"settlement.review_grace_period": "duration",
	"logging.level":                  "level",
}

func parseSetting(key, value string) (any, error) {
	kind, ok := settableKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'bountyd config set --help' to see valid keys", key)
	}

	switch kind {
	case "bool":
		if value != "true" && value != "false" {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return value == "true", nil
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	case "float":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || f > 100 {
			return nil, fmt.Errorf("invalid value for %s: expected a number between 0 and 100", key)
		}
		return f, nil
	case "decimal":
		d, err := decimal.NewFromString(value)
		if err != nil || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("invalid value for %s: expected a percentage between 0 and 100", key)
		}
		return d.String(), nil
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid value for %s: expected a positive duration such as 30s", key)
		}
		return d.String(), nil
	case "driver":
		return oneOf(key, value, config.ValidStoreDrivers())
	case "provider":
		return oneOf(key, value, config.ValidProviders())
	case "level":
		return oneOf(key, strings.ToLower(value), config.ValidLogLevels())
	}
	return value, nil
}

func oneOf(key, value string, valid []string) (any, error) {
	if !slices.Contains(valid, value) {
		return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s", key, value, strings.Join(valid, ", "))
	}
	return value, nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	typedValue, err := parseSetting(key, args[1])
	if err != nil {
		return err
	}

	// Ensure config directory exists
	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, typedValue)

	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

const defaultConfigContent = `# bountyd configuration
#
# Every key can also be set from the environment, e.g.
# BOUNTYD_PAYMENT_WEBHOOK_SECRET for payment.webhook_secret.

server:
  addr: ":8080"
  read_timeout: 15s
  shutdown_timeout: 10s

# Persistence backend: sqlite3, pgx (PostgreSQL) or memory
store:
  driver: sqlite3
  # dsn: /path/to/bountyd.db
  busy_retries: 5

escrow:
  # Percentage withheld from every payout
  platform_fee_percent: "15"
  currency: USD
  gateway_retry_attempts: 4
  gateway_retry_base: 200ms
  gateway_retry_max: 5s

payment:
  # Shared HMAC secret for processor webhooks. Webhooks are rejected while empty.
  webhook_secret: ""
  signature_tolerance: 5m

execution:
  pool_size: 4
  default_timeout: 300s
  memory_limit_mb: 512
  # Attempts per submission before it is rejected
  max_retries: 3
  retry_base_delay: 30s
  retry_max_delay: 10m
  cancel_grace: 5s
  poll_interval: 1s
  # workdir: /var/lib/bountyd/work

verification:
  pass_threshold: 80
  fail_floor: 50
  # Reasoning provider for llm criteria: llm or none
  provider: llm

# Any OpenAI-compatible chat completions endpoint
llm:
  base_url: http://localhost:11434/v1
  model: gpt-4o-mini
  api_key: ""
  timeout: 60s
  max_failures: 3
  cooldown: 30s

settlement:
  # Release escrow as soon as an audit passes
  auto_release: true
  review_grace_period: 72h
  sweep_interval: 1m

logging:
  level: info
  # dir: /var/log/bountyd
  max_size_mb: 10
  max_backups: 3
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'bountyd config set' to modify values", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit this file to customize bountyd.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	printConfigPath(cmd.OutOrStdout())
	return nil
}

func printConfigPath(out io.Writer) {
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. $HOME/.config/bountyd/config.yaml\n")
	fmt.Fprintf(out, "  3. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: BOUNTYD_* (e.g., BOUNTYD_EXECUTION_POOL_SIZE)")
}
