package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moeryomenko/bumpguard/internal/cache"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the repository cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cache statistics",
			Args:  cobra.NoArgs,
			RunE: withCache(func(cmd *cobra.Command, c *cache.Cache) error {
				printStats(cmd.OutOrStdout(), c.Stats())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Remove expired entries",
			Args:  cobra.NoArgs,
			RunE: withCache(func(cmd *cobra.Command, c *cache.Cache) error {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired entries\n", c.Cleanup())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every entry",
			Args:  cobra.NoArgs,
			RunE: withCache(func(cmd *cobra.Command, c *cache.Cache) error {
				c.Clear()
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
				return nil
			}),
		},
	)
	return cmd
}

// withCache opens the persisted cache around fn and saves it afterwards.
func withCache(fn func(*cobra.Command, *cache.Cache) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		c := openCache(cfg, logger)
		if err := fn(cmd, c); err != nil {
			return err
		}
		return c.Save(cfg.SnapshotPath())
	}
}
