package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/imageopt"
	"github.com/aweris/imageopt/internal/version"
)

var rootCmd = &cobra.Command{
	Use:               "imageopt",
	Short:             "Batch image optimizer with a shared result cache",
	Long:              "Optimize images in parallel, caching results by content so repeated builds skip work.",
	Version:           version.Full(),
	SilenceUsage:      true,
	PersistentPreRunE: setupLogger,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/imageopt/config.yaml)")
	rootCmd.PersistentFlags().String("cache-dir", "", "cache directory (default: user cache dir)/imageopt")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")

	viper.BindPFlag("cache_dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("IMAGEOPT")
	viper.AutomaticEnv()

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "imageopt")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "imageopt")
	}
	return ".imageopt"
}

// setupLogger attaches a console logger to the command context.
func setupLogger(cmd *cobra.Command, _ []string) error {
	level, err := zerolog.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
	cmd.SetContext(logger.WithContext(cmd.Context()))
	return nil
}

func cacheSetting(disabled bool) imageopt.CacheSetting {
	if disabled {
		return imageopt.CacheDisabled
	}
	if dir := viper.GetString("cache_dir"); dir != "" {
		return imageopt.CacheAt(dir)
	}
	return imageopt.CacheDefault
}

// formatBytes renders n with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit && n > -unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit || m <= -unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
