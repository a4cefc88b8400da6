// Package cli provides the command-line interface for the relay.
package cli

import (
	"github.com/osail-liaso/relay/internal/client"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string

	relayClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Real-time LLM prompt relay",
	Long: `Relay streams prompts to OpenAI, Anthropic, Azure OpenAI, Mistral and Groq
and forwards the answers token by token over websockets or socket.io.

The client commands talk to a running relay-server. The account commands
operate on the account store directly and read the server's environment.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		relayClient = client.New(serverURL)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "relay websocket endpoint (default $RELAY_SERVER_URL or ws://localhost:3000/ws)")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(accountCmd)
}

