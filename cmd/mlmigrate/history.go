package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyFailed bool
	historyKind   string
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [batch-id]",
		Short: "Show recorded import batches",
		Long: `Without arguments, list recent import batches with their counters and
status. With a batch id, list the items recorded for that batch.

Use --failed to show only failed items and --kind to filter items by kind
(experiment, run, model, tag, mapping, permission).`,
		Example: `  mlmigrate history
  mlmigrate history --limit 5
  mlmigrate history 3f1c2a9e-... --failed
  mlmigrate history 3f1c2a9e-... --kind run`,
		Args: cobra.MaximumNArgs(1),
		RunE: historyRun,
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of batches to list")
	cmd.Flags().BoolVar(&historyFailed, "failed", false, "show only failed items")
	cmd.Flags().StringVar(&historyKind, "kind", "", "filter items by kind")

	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	if len(args) == 1 {
		return printBatchItems(args[0])
	}

	batches, err := globalStore.ListBatches(historyLimit)
	if err != nil {
		return fmt.Errorf("listing batches: %w", err)
	}
	if len(batches) == 0 {
		fmt.Println("No imports recorded.")
		return nil
	}

	fmt.Printf("%-36s %-8s %12s %14s %10s %10s %-16s\n", "Batch", "Status", "Experiments", "Runs", "Models", "Failures", "Started")
	fmt.Println(strings.Repeat("-", 112))
	for _, b := range batches {
		fmt.Printf("%-36s %-8s %12s %14s %10s %10d %-16s\n",
			b.ID,
			b.Status,
			fmt.Sprintf("%d/%d", b.ExperimentsImported, b.ExperimentsTotal),
			fmt.Sprintf("%s/%s", humanize.Comma(int64(b.RunsImported)), humanize.Comma(int64(b.RunsTotal))),
			fmt.Sprintf("%d/%d", b.ModelsImported, b.ModelsTotal),
			b.Exceptions,
			humanize.Time(b.StartTime),
		)
	}
	return nil
}

func printBatchItems(batchID string) error {
	b, err := globalStore.GetBatch(batchID)
	if err != nil {
		return err
	}
	items, err := globalStore.ListItems(batchID, historyKind, historyFailed)
	if err != nil {
		return fmt.Errorf("listing items: %w", err)
	}

	fmt.Printf("Batch %s (%s)\n", b.ID, b.Status)
	fmt.Printf("  Input: %s\n", b.InputDir)
	fmt.Printf("  Started: %s\n", humanize.Time(b.StartTime))
	if !b.EndTime.IsZero() {
		fmt.Printf("  Took: %s\n", b.EndTime.Sub(b.StartTime).Round(100 * time.Millisecond))
	}
	if b.ReportPath != "" {
		fmt.Printf("  Report: %s\n", b.ReportPath)
	}
	if b.ErrorMessage != "" {
		fmt.Printf("  Error: %s\n", b.ErrorMessage)
	}
	fmt.Println()

	if len(items) == 0 {
		fmt.Println("No matching items.")
		return nil
	}
	fmt.Printf("%-11s %-34s %-34s %-8s %s\n", "Kind", "Source", "Destination", "Status", "Error")
	fmt.Println(strings.Repeat("-", 100))
	for _, it := range items {
		fmt.Printf("%-11s %-34s %-34s %-8s %s\n", it.Kind, it.SourceID, it.DestID, it.Status, it.Error)
	}
	return nil
}
