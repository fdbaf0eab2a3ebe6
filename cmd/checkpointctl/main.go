// Command checkpointctl inspects and resets the sync checkpoint state:
// the per-feed watermarks in the local checkpoint file and the outcome
// counters in Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/checkpoint"
	"github.com/fairyhunter13/woo-catalog-sync/internal/config"
)

var (
	showFeed  string
	resetFeed string
	resetAll  bool
)

var rootCmd = &cobra.Command{
	Use:           "checkpointctl <subcommand>",
	Short:         "inspect and reset catalog sync checkpoints",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "print per-feed progress from the checkpoint store",
	Args:  cobra.ExactArgs(0),
	RunE:  showCmdFunc,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "clear the watermark and counters for one feed, or for all feeds",
	Args:  cobra.ExactArgs(0),
	RunE:  resetCmdFunc,
}

func openStore(ctx context.Context) (*checkpoint.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis %s unreachable: %w", cfg.RedisAddr, err)
	}
	st, err := checkpoint.New(rdb, cfg.CheckpointPath)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return st, func() { _ = rdb.Close() }, nil
}

func showCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	st, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	progress, err := st.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoints: %w", err)
	}
	if showFeed != "" {
		if _, ok := progress[showFeed]; !ok {
			return fmt.Errorf("feed %q has no checkpoint state", showFeed)
		}
	}

	feeds := make([]string, 0, len(progress))
	for fk := range progress {
		if showFeed != "" && fk != showFeed {
			continue
		}
		feeds = append(feeds, fk)
	}
	if len(feeds) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no checkpoint state recorded")
		return nil
	}
	sort.Strings(feeds)

	for _, fk := range feeds {
		p := progress[fk]
		status := ""
		if p.Complete() {
			status = "  complete"
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"%s: %d/%d rows (updated=%d skipped=%d failed=%d) last_row=%d%s\n",
			fk, p.Done(), p.Total, p.Updated, p.Skipped, p.Failed, p.LastProcessedRow, status)
	}
	return nil
}

func resetCmdFunc(cmd *cobra.Command, _ []string) error {
	if resetFeed == "" && !resetAll {
		return errors.New("refusing to reset without a target: pass --feed KEY or --all")
	}
	if resetFeed != "" && resetAll {
		return errors.New("--feed and --all are mutually exclusive")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	st, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := st.Reset(ctx, resetFeed); err != nil {
		return fmt.Errorf("reset checkpoints: %w", err)
	}
	if resetAll {
		fmt.Fprintln(cmd.OutOrStdout(), "reset checkpoint state for all feeds")
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "reset checkpoint state for feed %q\n", resetFeed)
	}
	return nil
}

func main() {
	showCmd.Flags().StringVar(&showFeed, "feed", "", "limit output to one feed key")
	resetCmd.Flags().StringVar(&resetFeed, "feed", "", "feed key to reset")
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "reset every feed")
	rootCmd.AddCommand(showCmd, resetCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "checkpointctl:", err)
		os.Exit(1)
	}
}
