package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/moeryomenko/bumpguard/internal/cache"
	"github.com/moeryomenko/bumpguard/internal/config"
	"github.com/moeryomenko/bumpguard/internal/utils"
)

var (
	version = "dev"
	v       = viper.New()
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bumpguard",
		Short: "Dependency updates that roll themselves back",
		Long: "bumpguard applies outdated dependency updates, runs the project's own build and tests, " +
			"and rolls back the major updates that break them.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	flags := rootCmd.PersistentFlags()
	flags.Bool(config.KeyDebug, false, "enable debug level logging")
	flags.Bool(config.KeyVerbose, false, "enable verbose logging")
	flags.String(config.KeyConfigFile, "", "config file (yaml, toml or json)")
	flags.String(config.KeyCacheDir, "", "cache directory (default ~/.cache/bumpguard)")
	flags.Duration(config.KeyCacheTTL, 0, "repository cache TTL (default 24h, or CACHE_EXPIRY_HOURS)")

	rootCmd.AddCommand(newRunCmd(), newAnalyzeCmd(), newCacheCmd())
	return rootCmd
}

func initConfig() {
	config.Init(v)
}

// setup resolves the configuration for cmd and builds the logger.
func setup(cmd *cobra.Command) (*config.Config, *utils.Logger, error) {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	logger := utils.NewLogger(cfg.Verbose)
	logger.SetDebug(cfg.Debug)
	return cfg, logger, nil
}

// openCache loads the persisted repository cache. A corrupt snapshot is
// reported and whatever could be read is kept.
func openCache(cfg *config.Config, logger *utils.Logger) *cache.Cache {
	c := cache.New(cache.Options{DefaultTTL: cfg.CacheTTL}, logger)
	if err := c.Load(cfg.SnapshotPath()); err != nil {
		logger.Warn("Ignoring parts of the cache snapshot: %v", err)
	}
	return c
}

// saveCache drops expired entries and persists the rest.
func saveCache(c *cache.Cache, cfg *config.Config, logger *utils.Logger) {
	if n := c.Cleanup(); n > 0 {
		logger.Debug("Dropped %d expired cache entries", n)
	}
	if err := c.Save(cfg.SnapshotPath()); err != nil {
		logger.Warn("Failed to save the cache snapshot: %v", err)
	}
}

func main() {
	cobra.OnInitialize(initConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}
