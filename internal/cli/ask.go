package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/osail-liaso/relay/internal/client"
	"github.com/spf13/cobra"
)

var (
	askProvider    string
	askModel       string
	askTemperature float64
	askSystem      string
	askToken       string
	askSession     string
)

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Send a prompt and stream the answer",
	Long: `Send a prompt to the relay and print the answer as it streams in.

Use "-" as the prompt to read it from stdin. Without --token the prompt is
relayed anonymously and only succeeds if the server allows it.

Examples:
  relay ask "Summarize the plot of Hamlet"
  relay ask --provider anthropic --model claude-3-haiku-20240307 "Hi"
  cat notes.md | relay ask --system "Be brief" -`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askProvider, "provider", "p", "", "provider tag (openAi, anthropic, azureOpenAi, mistral, groq)")
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "model name")
	askCmd.Flags().Float64VarP(&askTemperature, "temperature", "t", 0, "sampling temperature")
	askCmd.Flags().StringVar(&askSystem, "system", "", "system prompt")
	askCmd.Flags().StringVar(&askToken, "token", os.Getenv("RELAY_TOKEN"), "account token (default $RELAY_TOKEN)")
	askCmd.Flags().StringVar(&askSession, "session", "", "session id echoed on every event")
}

func runAsk(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	p := newPrinter(cmd.ErrOrStderr())

	start := time.Now()
	var chars int
	err = relayClient.Ask(ctx, client.PromptOptions{
		Session:      askSession,
		Token:        askToken,
		Provider:     askProvider,
		Model:        askModel,
		Temperature:  askTemperature,
		SystemPrompt: askSystem,
		UserPrompt:   prompt,
	}, func(token string) error {
		chars += len(token)
		_, err := io.WriteString(out, token)
		return err
	})
	fmt.Fprintln(out)

	var streamErr *client.StreamError
	switch {
	case errors.As(err, &streamErr):
		p.failure("✗ %s", streamErr.Message)
		return streamErr
	case err != nil:
		return err
	}

	if verbose {
		p.hint("%d characters in %s", chars, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// readPrompt joins the arguments, or reads stdin when the only argument is "-".
func readPrompt(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		args = []string{string(data)}
	}
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return "", errors.New("prompt is empty")
	}
	return prompt, nil
}
