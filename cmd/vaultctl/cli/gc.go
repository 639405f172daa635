package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"chunkvault/internal/chunkstore"
	"chunkvault/internal/config"
)

// NewGCCommand returns the "gc" command: like compact, but with
// --force to shrink the retention window to one nanosecond so every dead
// chunk is reclaimed immediately instead of waiting out its grace period.
// Intended for an offline store nobody else has open — a live reader's
// snapshot pinning still protects any chunk a concurrent transaction
// depends on.
func NewGCCommand(logger *slog.Logger) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "gc <path>",
		Short: "Force collection of every dead chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(cmd, logger, args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore the retention window and collect every dead chunk now")
	return cmd
}

func runGC(cmd *cobra.Command, logger *slog.Logger, path string, force bool) error {
	opts := config.DefaultOptions()
	opts.Logger = logger
	if force {
		// A zero duration falls back to DefaultRetentionTime (see
		// chunk.NewDeadChunkRetentionPolicy), so force uses the smallest
		// nonzero window instead to treat anything already dead as
		// immediately collectible.
		opts.RetentionTime = time.Nanosecond
	}

	s, err := chunkstore.Open(path, opts)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = s.Close() }()

	if force {
		// Give any chunk marked dead at open time a moment to clear the
		// one-nanosecond retention window before the pass runs.
		time.Sleep(time.Millisecond)
	}

	before := len(s.ChunkSummaries())
	if err := s.TriggerCompaction(context.Background()); err != nil {
		return fmt.Errorf("gc %s: %w", path, err)
	}
	after := len(s.ChunkSummaries())

	p := newPrinter(cmd)
	if p.format == "json" {
		return p.json(map[string]any{"chunks_before": before, "chunks_after": after, "collected": before - after, "forced": force})
	}
	fmt.Printf("collected %d chunk(s), %d remaining\n", before-after, after)
	return nil
}
