// ABOUTME: Operator commands over persisted run snapshots
// ABOUTME: Opens the SQLite store directly; safe alongside a running server in WAL mode

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/coven-runs/internal/config"
	"github.com/2389/coven-runs/internal/store"
)

// runRuns dispatches "runs list" and "runs rename".
func runRuns(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: coven-runs runs list [--project ID] [--limit N] | rename --run ID --name NAME")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	switch args[0] {
	case "list":
		return listRuns(ctx, s, args[1:], os.Stdout)
	case "rename":
		return renameRun(ctx, s, args[1:], os.Stdout)
	default:
		return fmt.Errorf("unknown runs subcommand: %s", args[0])
	}
}

func listRuns(ctx context.Context, s store.SnapshotStore, args []string, out io.Writer) error {
	flags, err := parseFlags(args, "project", "limit")
	if err != nil {
		return err
	}
	limit := 20
	if raw, ok := flags["limit"]; ok {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			return fmt.Errorf("--limit must be a non-negative integer")
		}
	}

	records, err := s.ListSnapshots(ctx, flags["project"], limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		color.New(color.FgHiBlack).Fprintln(out, "  no runs")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  RUN\tTYPE\tSTATUS\tPROJECT\tNAME\tUPDATED")
	fmt.Fprintln(w, "  ---\t----\t------\t-------\t----\t-------")
	for _, rec := range records {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			rec.RunID,
			rec.RunType,
			rec.Status,
			orDash(rec.ProjectID),
			truncate(orDash(rec.Name), 32),
			rec.UpdatedAt.Local().Format("Jan 02 15:04"),
		)
	}
	return w.Flush()
}

func renameRun(ctx context.Context, s store.SnapshotStore, args []string, out io.Writer) error {
	flags, err := parseFlags(args, "run", "name")
	if err != nil {
		return err
	}
	runID := strings.TrimSpace(flags["run"])
	name := strings.TrimSpace(flags["name"])
	if runID == "" || name == "" {
		return fmt.Errorf("--run and --name are required")
	}

	if err := s.RenameSnapshot(ctx, runID, name); err != nil {
		return fmt.Errorf("renaming run %s: %w", runID, err)
	}
	fmt.Fprintf(out, "  ✓ %s renamed to %s\n", runID, name)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
