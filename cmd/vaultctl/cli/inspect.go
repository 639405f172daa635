package cli

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"chunkvault/internal/chunkstore"
	"chunkvault/internal/config"
)

// NewInspectCommand returns the "inspect" command: open a store read-only
// and print its chunk table and version counter.
func NewInspectCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "List a store's chunks and current version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, logger, args[0])
		},
	}
	return cmd
}

func runInspect(cmd *cobra.Command, logger *slog.Logger, path string) error {
	opts := config.DefaultOptions()
	opts.ReadOnly = true
	opts.Logger = logger

	s, err := chunkstore.Open(path, opts)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = s.Close() }()

	p := newPrinter(cmd)
	summaries := s.ChunkSummaries()

	if p.format == "json" {
		return p.json(map[string]any{
			"version": s.CurrentVersion(),
			"run_id":  s.RunID().String(),
			"chunks":  summaries,
		})
	}

	p.kv([][2]string{
		{"path", path},
		{"version", strconv.FormatUint(s.CurrentVersion(), 10)},
		{"run_id", s.RunID().String()},
		{"chunks", strconv.Itoa(len(summaries))},
	})
	fmt.Println()

	header := []string{"ID", "PAGES_LIVE", "MAX_LEN", "MAX_LEN_LIVE", "PIN_COUNT", "UNUSED_AT_VERSION"}
	rows := make([][]string, 0, len(summaries))
	for _, c := range summaries {
		status := "live"
		if c.PageCountLive == 0 {
			status = "dead"
		}
		rows = append(rows, []string{
			c.ID.String(),
			strconv.FormatUint(uint64(c.PageCountLive), 10) + " (" + status + ")",
			strconv.FormatUint(c.MaxLen, 10),
			strconv.FormatUint(c.MaxLenLive, 10),
			strconv.FormatUint(uint64(c.PinCount), 10),
			strconv.FormatUint(c.UnusedAtVersion, 10),
		})
	}
	p.table(header, rows)
	return nil
}
