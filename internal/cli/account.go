package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/osail-liaso/relay/internal/accounts"
	"github.com/osail-liaso/relay/internal/auth"
	"github.com/osail-liaso/relay/internal/config"
	"github.com/osail-liaso/relay/internal/models"
	"github.com/spf13/cobra"
)

var (
	accountReserve       int
	accountRoles         []string
	accountKeys          []string
	accountAzureEndpoint string
	tokenIssuer          string
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage relay accounts",
	Long: `Manage accounts in the configured account store.

These commands read the same environment as relay-server
(RELAY_ACCOUNT_STORE, SURREALDB_*, RELAY_SQLITE_PATH, JWT_SECRET).`,
}

var accountCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create an account",
	Long: `Create an account with a platform character reserve and optional own keys.

Examples:
  relay account create alice
  relay account create bob --reserve 500000 --role admin
  relay account create carol --key openAi=sk-... --key azureOpenAi=... --azure-endpoint https://x.openai.azure.com`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountCreate,
}

var accountShowCmd = &cobra.Command{
	Use:   "show <username>",
	Short: "Show an account's reserve and usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountShow,
}

var accountTokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Issue a one-hour token for an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountToken,
}

func init() {
	accountCreateCmd.Flags().IntVar(&accountReserve, "reserve", 0, "platform character reserve (default $CHARACTERS_RESERVE_DEFAULT)")
	accountCreateCmd.Flags().StringSliceVar(&accountRoles, "role", nil, "account roles (default user)")
	accountCreateCmd.Flags().StringArrayVar(&accountKeys, "key", nil, "own provider key as provider=key (repeatable)")
	accountCreateCmd.Flags().StringVar(&accountAzureEndpoint, "azure-endpoint", "", "endpoint for an own azureOpenAi key")

	accountTokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "relay-cli", "issuer recorded in the token")

	accountCmd.AddCommand(accountCreateCmd)
	accountCmd.AddCommand(accountShowCmd)
	accountCmd.AddCommand(accountTokenCmd)
}

// openService connects the account store named in the environment.
func openService(ctx context.Context) (*accounts.Service, func() error, error) {
	cfg, err := config.LoadAll()
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := config.NewLogger(os.Stderr, nil, level)

	store, closeStore, err := accounts.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open account store: %w", err)
	}
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience)
	return accounts.NewService(verifier, store, cfg.CharactersReserveDefault, logger, nil), closeStore, nil
}

// parseKeys turns provider=key pairs into a key map.
func parseKeys(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	keys := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		provider, key, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid key %q: want provider=key", pair)
		}
		if !isProvider(provider) {
			return nil, fmt.Errorf("unknown provider %q (want one of %s)", provider, strings.Join(models.Providers, ", "))
		}
		keys[provider] = key
	}
	return keys, nil
}

func isProvider(name string) bool {
	for _, p := range models.Providers {
		if p == name {
			return true
		}
	}
	return false
}

func runAccountCreate(cmd *cobra.Command, args []string) error {
	keys, err := parseKeys(accountKeys)
	if err != nil {
		return err
	}

	ctx := context.Background()
	svc, closeStore, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	acct, err := svc.CreateAccount(ctx, models.AccountInput{
		Username:         args[0],
		Roles:            accountRoles,
		CharacterReserve: accountReserve,
		APIKeys:          keys,
		AzureEndpoint:    accountAzureEndpoint,
	})
	if errors.Is(err, models.ErrAccountExists) {
		return fmt.Errorf("account %q already exists", args[0])
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}

	p := newPrinter(cmd.OutOrStdout())
	p.success("✓ Created account %s", acct.Username)
	printAccount(p, acct)
	return nil
}

func runAccountShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, closeStore, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	acct, err := svc.AccountByUsername(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	printAccount(newPrinter(cmd.OutOrStdout()), acct)
	return nil
}

func runAccountToken(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, closeStore, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	token, err := svc.IssueToken(ctx, args[0], tokenIssuer)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func printAccount(p *printer, acct *models.Account) {
	fmt.Fprintf(p.w, "  ID:        %s\n", acct.ID)
	fmt.Fprintf(p.w, "  Roles:     %s\n", strings.Join(acct.Roles, ", "))
	fmt.Fprintf(p.w, "  Reserve:   %d (%d used, %d left)\n", acct.CharacterReserve, acct.CharactersUsed, acct.RemainingReserve())
	fmt.Fprintf(p.w, "  Own usage: %d\n", acct.OwnCharactersUsed)
	if len(acct.APIKeys) > 0 {
		var own []string
		for _, provider := range models.Providers {
			if acct.KeyFor(provider) != "" {
				own = append(own, provider)
			}
		}
		fmt.Fprintf(p.w, "  Own keys:  %s\n", strings.Join(own, ", "))
	}
}
