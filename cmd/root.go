package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/probing/internal/config"
	"github.com/zjrosen/probing/internal/log"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "probing",
	Short: "In-process span tracing and adaptive step profiling",
	Long: `probing records nested spans and samples per-module stage timings of a
step-based workload, with device-side timing collected at the end of each step.

Rows are written to SQLite, JSONL or memory and can be inspected afterwards
with the spans and modules commands.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

var logCleanup func()

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .probing/config.yaml or ~/.probing/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("db", "", "storage path (overrides storage.path)")

	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("storage.path", rootCmd.PersistentFlags().Lookup("db"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("profiling", defaults.Profiling)
	viper.SetDefault("storage.driver", defaults.Storage.Driver)
	viper.SetDefault("storage.path", defaults.Storage.Path)
	viper.SetDefault("otel.enabled", defaults.OTel.Enabled)
	viper.SetDefault("otel.exporter", defaults.OTel.Exporter)
	viper.SetDefault("otel.otlp_endpoint", defaults.OTel.OTLPEndpoint)
	viper.SetDefault("otel.sample_rate", defaults.OTel.SampleRate)
	viper.SetDefault("otel.service_name", defaults.OTel.ServiceName)
	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.addr", defaults.Metrics.Addr)
	viper.SetDefault("log_level", defaults.LogLevel)
	viper.SetDefault("log_path", defaults.LogPath)

	// PROBING_STORAGE_DRIVER=jsonl overrides storage.driver.
	viper.SetEnvPrefix("PROBING")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .probing/config.yaml (current directory)
		// 2. ~/.probing/config.yaml (user config)
		if _, err := os.Stat(localConfigPath); err == nil {
			viper.SetConfigFile(localConfigPath)
		} else if dir := config.DefaultDataDir(); dir != "" {
			viper.AddConfigPath(dir)
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "warning: reading config %s: %v\n", cfgFile, err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

const localConfigPath = ".probing/config.yaml"

// setupLogging routes the logger to log_path when set, stderr otherwise.
func setupLogging(cmd *cobra.Command, _ []string) error {
	level := log.ParseLevel(cfg.LogLevel)
	if cfg.LogPath == "" {
		log.InitWriter(cmd.ErrOrStderr(), level)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o750); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	cleanup, err := log.Init(cfg.LogPath)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	log.SetMinLevel(level)
	logCleanup = cleanup
	log.Info(log.CatConfig, "probing starting", "version", version, "config", viper.ConfigFileUsed())
	return nil
}

// configPath is where config-editing commands write.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	if cfgFile != "" {
		return cfgFile
	}
	return localConfigPath
}

// Execute runs the root command
func Execute() error {
	defer func() {
		if logCleanup != nil {
			logCleanup()
		}
	}()
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
