package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"chunkvault/internal/chunkstore"
	"chunkvault/internal/config"
)

// NewCompactCommand returns the "compact" command: run one retention pass,
// reclaiming any chunk that has been dead longer than its retention
// window and isn't pinned by a live snapshot.
func NewCompactCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact <path>",
		Short: "Reclaim dead chunks past their retention window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(cmd, logger, args[0])
		},
	}
	return cmd
}

func runCompact(cmd *cobra.Command, logger *slog.Logger, path string) error {
	opts := config.DefaultOptions()
	opts.Logger = logger

	s, err := chunkstore.Open(path, opts)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = s.Close() }()

	before := len(s.ChunkSummaries())
	if err := s.TriggerCompaction(context.Background()); err != nil {
		return fmt.Errorf("compact %s: %w", path, err)
	}
	after := len(s.ChunkSummaries())

	p := newPrinter(cmd)
	if p.format == "json" {
		return p.json(map[string]any{"chunks_before": before, "chunks_after": after, "collected": before - after})
	}
	fmt.Printf("collected %d chunk(s), %d remaining\n", before-after, after)
	return nil
}
