package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var pingCount int

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure the round trip to the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newPrinter(cmd.OutOrStdout())
		for i := 0; i < pingCount; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			rtt, err := relayClient.Ping(ctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			p.success("pong in %s", rtt.Round(time.Microsecond))
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show server health and the available providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		health, err := relayClient.Health(ctx)
		if err != nil {
			return fmt.Errorf("get health: %w", err)
		}

		p := newPrinter(cmd.OutOrStdout())
		p.status("[%s]", health.Status)
		fmt.Fprintf(p.w, "Connections: %d\n", health.Connections)
		if len(health.Providers) == 0 {
			p.hint("No provider has a platform key configured.")
			return nil
		}
		fmt.Fprintf(p.w, "Providers:   %s\n", strings.Join(health.Providers, ", "))
		return nil
	},
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 1, "number of pings")
}
