package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/osail-liaso/relay/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

const incrementRetries = 3

// accountRecord is the stored shape of an account.
type accountRecord struct {
	ID                surrealmodels.RecordID `json:"id"`
	Username          string                 `json:"username"`
	Roles             []string               `json:"roles"`
	CharacterReserve  int                    `json:"character_reserve"`
	CharactersUsed    int                    `json:"characters_used"`
	OwnCharactersUsed int                    `json:"own_characters_used"`
	APIKeys           map[string]string      `json:"api_keys,omitempty"`
	AzureEndpoint     *string                `json:"azure_endpoint,omitempty"`
	Created           time.Time              `json:"created"`
}

func (r *accountRecord) toModel() (*models.Account, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return nil, err
	}
	acct := &models.Account{
		ID:                id,
		Username:          r.Username,
		Roles:             r.Roles,
		CharacterReserve:  r.CharacterReserve,
		CharactersUsed:    r.CharactersUsed,
		OwnCharactersUsed: r.OwnCharactersUsed,
		APIKeys:           r.APIKeys,
		CreatedAt:         r.Created,
	}
	if r.AzureEndpoint != nil {
		acct.AzureEndpoint = *r.AzureEndpoint
	}
	return acct, nil
}

func firstAccount(results *[]surrealdb.QueryResult[[]accountRecord]) (*accountRecord, bool) {
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, false
	}
	return &(*results)[0].Result[0], true
}

// CreateAccount inserts a new account with a fresh uuid.
// Returns models.ErrAccountExists when the username is taken.
func (c *Client) CreateAccount(ctx context.Context, in models.AccountInput) (*models.Account, error) {
	roles := in.Roles
	if roles == nil {
		roles = []string{}
	}
	var endpoint *string
	if in.AzureEndpoint != "" {
		endpoint = &in.AzureEndpoint
	}

	results, err := surrealdb.Query[[]accountRecord](ctx, c.db, `
		CREATE type::record("account", $id) SET
			username = $username,
			roles = $roles,
			character_reserve = $reserve,
			api_keys = $api_keys,
			azure_endpoint = $azure_endpoint
		RETURN AFTER
	`, map[string]any{
		"id":             uuid.NewString(),
		"username":       in.Username,
		"roles":          roles,
		"reserve":        in.CharacterReserve,
		"api_keys":       in.APIKeys,
		"azure_endpoint": endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("create account: %w", wrapQueryError(err))
	}

	rec, ok := firstAccount(results)
	if !ok {
		return nil, fmt.Errorf("create account: no result returned")
	}
	return rec.toModel()
}

// FindAccountByUsername returns the account owning username.
func (c *Client) FindAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	results, err := surrealdb.Query[[]accountRecord](ctx, c.db, `
		SELECT * FROM account WHERE username = $username LIMIT 1
	`, map[string]any{"username": username})
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}

	rec, ok := firstAccount(results)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, username)
	}
	return rec.toModel()
}

// GetAccount returns the account with the given uuid.
func (c *Client) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	results, err := surrealdb.Query[[]accountRecord](ctx, c.db, `
		SELECT * FROM type::record("account", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	rec, ok := firstAccount(results)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
	}
	return rec.toModel()
}

// IncrementUsage atomically adds amount to one usage counter.
// Transaction conflicts from concurrent increments are retried.
func (c *Client) IncrementUsage(ctx context.Context, accountID string, field models.UsageField, amount int) error {
	var sql string
	switch field {
	case models.UsagePlatform:
		sql = `UPDATE type::record("account", $id) SET characters_used += $amount RETURN NONE`
	case models.UsageOwnKey:
		sql = `UPDATE type::record("account", $id) SET own_characters_used += $amount RETURN NONE`
	default:
		return fmt.Errorf("increment usage: unknown field %q", field)
	}

	var err error
	for attempt := 0; attempt < incrementRetries; attempt++ {
		_, err = surrealdb.Query[any](ctx, c.db, sql, map[string]any{"id": accountID, "amount": amount})
		err = wrapQueryError(err)
		if !errors.Is(err, ErrTransactionConflict) {
			break
		}
		c.logger.Debug("usage increment conflict, retrying", "account", accountID, "attempt", attempt+1)
	}
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}
