package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/sessionlog/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the sessionlog configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := config.KnownKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  port", cfg.Server.Port, defaultCfg.Server.Port, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  rate_limit", cfg.Server.RateLimit, defaultCfg.Server.RateLimit, yellow, green)
	dumpField("  rate_burst", cfg.Server.RateBurst, defaultCfg.Server.RateBurst, yellow, green)
	dumpField("  trust_proxy", cfg.Server.TrustProxy, defaultCfg.Server.TrustProxy, yellow, green)
	dumpField("  allowed_origins", cfg.Server.AllowedOrigins, defaultCfg.Server.AllowedOrigins, yellow, green)
	dumpField("  shutdown_timeout", cfg.Server.ShutdownTimeout, defaultCfg.Server.ShutdownTimeout, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  database_url", redactURL(cfg.Storage.DatabaseURL), redactURL(defaultCfg.Storage.DatabaseURL), yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)

	_, _ = cyan.Println("\n[redis]")
	dumpField("  host", cfg.Redis.Host, defaultCfg.Redis.Host, yellow, green)
	dumpField("  port", cfg.Redis.Port, defaultCfg.Redis.Port, yellow, green)
	dumpField("  password", redactPassword(cfg.Redis.Password), redactPassword(defaultCfg.Redis.Password), yellow, green)
	dumpField("  db", cfg.Redis.DB, defaultCfg.Redis.DB, yellow, green)
	dumpField("  pool_size", cfg.Redis.PoolSize, defaultCfg.Redis.PoolSize, yellow, green)
	dumpField("  min_idle_conns", cfg.Redis.MinIdleConns, defaultCfg.Redis.MinIdleConns, yellow, green)
	dumpField("  dial_timeout", cfg.Redis.DialTimeout, defaultCfg.Redis.DialTimeout, yellow, green)
	dumpField("  read_timeout", cfg.Redis.ReadTimeout, defaultCfg.Redis.ReadTimeout, yellow, green)
	dumpField("  write_timeout", cfg.Redis.WriteTimeout, defaultCfg.Redis.WriteTimeout, yellow, green)

	_, _ = cyan.Println("\n[csv]")
	dumpField("  enabled", cfg.CSV.Enabled, defaultCfg.CSV.Enabled, yellow, green)
	dumpField("  dir", cfg.CSV.Dir, defaultCfg.CSV.Dir, yellow, green)

	_, _ = cyan.Println("\n[sessions]")
	dumpField("  stale_timeout", cfg.Sessions.StaleTimeout, defaultCfg.Sessions.StaleTimeout, yellow, green)
	dumpField("  sweep_interval", cfg.Sessions.SweepInterval, defaultCfg.Sessions.SweepInterval, yellow, green)
	dumpField("  timezone", cfg.Sessions.Timezone, defaultCfg.Sessions.Timezone, yellow, green)
	dumpField("  history_start", cfg.Sessions.HistoryStart, defaultCfg.Sessions.HistoryStart, yellow, green)
	dumpField("  cache_size", cfg.Sessions.CacheSize, defaultCfg.Sessions.CacheSize, yellow, green)
	dumpField("  cache_ttl", cfg.Sessions.CacheTTL, defaultCfg.Sessions.CacheTTL, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = cyan.Println("\n[agent]")
	dumpField("  server_url", cfg.Agent.ServerURL, defaultCfg.Agent.ServerURL, yellow, green)
	dumpField("  device_id", cfg.Agent.DeviceID, defaultCfg.Agent.DeviceID, yellow, green)
	dumpField("  interval", cfg.Agent.Interval, defaultCfg.Agent.Interval, yellow, green)
	dumpField("  detector", cfg.Agent.Detector, defaultCfg.Agent.Detector, yellow, green)
	dumpField("  cpu_threshold", cfg.Agent.CPUThreshold, defaultCfg.Agent.CPUThreshold, yellow, green)
	dumpField("  process_names", cfg.Agent.ProcessNames, defaultCfg.Agent.ProcessNames, yellow, green)
	dumpField("  request_timeout", cfg.Agent.RequestTimeout, defaultCfg.Agent.RequestTimeout, yellow, green)
	dumpField("  max_retries", cfg.Agent.MaxRetries, defaultCfg.Agent.MaxRetries, yellow, green)
	dumpField("  max_failures", cfg.Agent.MaxFailures, defaultCfg.Agent.MaxFailures, yellow, green)
	dumpField("  lock_file", cfg.Agent.LockFile, defaultCfg.Agent.LockFile, yellow, green)
	dumpField("  shutdown_timeout", cfg.Agent.ShutdownTimeout, defaultCfg.Agent.ShutdownTimeout, yellow, green)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}

// redactURL hides the password in a postgres:// connection string.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	if user, _, hasPassword := strings.Cut(userinfo, ":"); hasPassword {
		return scheme + "://" + user + ":" + redactPassword("x") + "@" + host
	}
	return raw
}
