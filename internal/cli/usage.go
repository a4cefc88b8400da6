package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/osail-liaso/relay/internal/metrics"
	"github.com/spf13/cobra"
)

var usageDetailed bool

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show relay statistics",
	Long: `Show the server's in-memory relay statistics: live connections, prompt
outcomes and per-provider stream timings.

Examples:
  relay usage
  relay usage --detailed`,
	RunE: runUsage,
}

func init() {
	usageCmd.Flags().BoolVar(&usageDetailed, "detailed", false, "show store timings")
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	stats, err := relayClient.Stats(ctx)
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}
	printServerStats(cmd.OutOrStdout(), stats, usageDetailed)
	return nil
}

// printServerStats displays server runtime statistics.
func printServerStats(w io.Writer, stats *metrics.Snapshot, detailed bool) {
	fmt.Fprintf(w, "Server Statistics (in-memory, since restart)\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════\n")
	fmt.Fprintf(w, "Uptime: %.1f seconds\n", stats.UptimeSeconds)

	if len(stats.Connections) > 0 {
		fmt.Fprintf(w, "\nConnections:\n")
		for _, kind := range sortedKeys(stats.Connections) {
			fmt.Fprintf(w, "  %-12s %d\n", kind, stats.Connections[kind])
		}
	}

	if len(stats.Outcomes) > 0 {
		fmt.Fprintf(w, "\nOutcomes:\n")
		var total int64
		for _, n := range stats.Outcomes {
			total += n
		}
		for _, outcome := range sortedKeys(stats.Outcomes) {
			n := stats.Outcomes[outcome]
			fmt.Fprintf(w, "  %-15s %6d (%5.1f%%)\n", outcome, n, float64(n)/float64(total)*100)
		}
	}

	for _, name := range sortedKeys(stats.Providers) {
		op := stats.Providers[name]
		if op == nil {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", name)
		printOpStats(w, op)
		printStreamStats(w, op)
	}

	if !detailed {
		return
	}
	if stats.AccountLookup != nil {
		fmt.Fprintf(w, "\nAccount Lookup:\n")
		printOpStats(w, stats.AccountLookup)
	}
	if stats.UsageUpdate != nil {
		fmt.Fprintf(w, "\nUsage Increment:\n")
		printOpStats(w, stats.UsageUpdate)
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(w io.Writer, op *metrics.OperationSnapshot) {
	fmt.Fprintf(w, "  Calls: %d, Total: %dms\n", op.Count, op.TotalTimeMs)
	fmt.Fprintf(w, "  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}

// printStreamStats displays stream volume if available.
func printStreamStats(w io.Writer, op *metrics.OperationSnapshot) {
	if op.TotalMessages == nil || op.TotalPromptSize == nil {
		return
	}
	fmt.Fprintf(w, "  Messages: %d total", *op.TotalMessages)
	if op.AvgMessages != nil {
		fmt.Fprintf(w, ", avg %.0f", *op.AvgMessages)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  Prompt chars: %d total", *op.TotalPromptSize)
	if op.MaxPromptSize != nil {
		fmt.Fprintf(w, ", max %d", *op.MaxPromptSize)
	}
	fmt.Fprintln(w)
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
