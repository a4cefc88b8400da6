// Package accounts resolves the account behind a prompt's token and selects
// the backing store.
package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osail-liaso/relay/internal/config"
	"github.com/osail-liaso/relay/internal/db"
	"github.com/osail-liaso/relay/internal/models"
	"github.com/osail-liaso/relay/internal/sqlstore"
	"github.com/osail-liaso/relay/internal/usage"
)

// Store is the contract shared by every account backend.
type Store interface {
	usage.Store
	FindAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	CreateAccount(ctx context.Context, in models.AccountInput) (*models.Account, error)
}

// Open connects the backend named by cfg.AccountStore. The returned func closes it.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Store, func() error, error) {
	switch cfg.AccountStore {
	case config.StoreSurrealDB:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to surrealdb: %w", err)
		}
		if err := client.InitSchema(ctx); err != nil {
			_ = client.Close(ctx)
			return nil, nil, fmt.Errorf("init schema: %w", err)
		}
		return client, func() error { return client.Close(context.Background()) }, nil

	case config.StoreSQLite:
		s, err := sqlstore.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.StoreMemory:
		return NewMemoryStore(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown account store %q", cfg.AccountStore)
	}
}

// MemoryStore keeps accounts in process memory. Usage is lost on restart.
type MemoryStore struct {
	mu         sync.Mutex
	byID       map[string]*models.Account
	byUsername map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*models.Account),
		byUsername: make(map[string]string),
	}
}

// CreateAccount stores a new account. Usernames are unique regardless of case.
func (m *MemoryStore) CreateAccount(_ context.Context, in models.AccountInput) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(in.Username)
	if _, ok := m.byUsername[key]; ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountExists, in.Username)
	}

	acct := &models.Account{
		ID:               uuid.NewString(),
		Username:         in.Username,
		Roles:            append([]string(nil), in.Roles...),
		CharacterReserve: in.CharacterReserve,
		AzureEndpoint:    in.AzureEndpoint,
		CreatedAt:        time.Now().UTC(),
	}
	if len(in.APIKeys) > 0 {
		acct.APIKeys = make(map[string]string, len(in.APIKeys))
		for k, v := range in.APIKeys {
			acct.APIKeys[k] = v
		}
	}
	m.byID[acct.ID] = acct
	m.byUsername[key] = acct.ID
	return copyAccount(acct), nil
}

// FindAccountByUsername returns a copy of the account, matching username case-insensitively.
func (m *MemoryStore) FindAccountByUsername(_ context.Context, username string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, username)
	}
	return copyAccount(m.byID[id]), nil
}

// GetAccount returns a copy of the account with the given id.
func (m *MemoryStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
	}
	return copyAccount(acct), nil
}

// IncrementUsage adds amount to one of the account's usage counters.
func (m *MemoryStore) IncrementUsage(_ context.Context, accountID string, field models.UsageField, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.byID[accountID]
	if !ok {
		return fmt.Errorf("increment usage: %w: %s", models.ErrAccountNotFound, accountID)
	}
	switch field {
	case models.UsagePlatform:
		acct.CharactersUsed += amount
	case models.UsageOwnKey:
		acct.OwnCharactersUsed += amount
	default:
		return fmt.Errorf("increment usage: unknown field %q", field)
	}
	return nil
}

// copyAccount detaches callers from the stored record.
func copyAccount(a *models.Account) *models.Account {
	c := *a
	c.Roles = append([]string(nil), a.Roles...)
	if a.APIKeys != nil {
		c.APIKeys = make(map[string]string, len(a.APIKeys))
		for k, v := range a.APIKeys {
			c.APIKeys[k] = v
		}
	}
	return &c
}
