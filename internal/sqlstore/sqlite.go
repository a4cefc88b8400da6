// Package sqlstore stores accounts in SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/osail-liaso/relay/internal/models"
)

// Store implements the account store on SQLite.
type Store struct {
	db *sql.DB
}

// New opens dsn and applies migrations. Use ":memory:" for tests.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer serializes increments and keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			uuid TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			roles TEXT NOT NULL DEFAULT '[]',
			character_reserve INTEGER NOT NULL DEFAULT 0,
			characters_used INTEGER NOT NULL DEFAULT 0,
			own_characters_used INTEGER NOT NULL DEFAULT 0,
			api_keys TEXT,
			azure_endpoint TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_username ON accounts(username)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAccount inserts a new account with a fresh uuid.
func (s *Store) CreateAccount(ctx context.Context, in models.AccountInput) (*models.Account, error) {
	roles := in.Roles
	if roles == nil {
		roles = []string{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return nil, fmt.Errorf("encode roles: %w", err)
	}
	var keysJSON sql.NullString
	if len(in.APIKeys) > 0 {
		b, err := json.Marshal(in.APIKeys)
		if err != nil {
			return nil, fmt.Errorf("encode api keys: %w", err)
		}
		keysJSON = sql.NullString{String: string(b), Valid: true}
	}

	acct := &models.Account{
		ID:               uuid.NewString(),
		Username:         in.Username,
		Roles:            roles,
		CharacterReserve: in.CharacterReserve,
		APIKeys:          in.APIKeys,
		AzureEndpoint:    in.AzureEndpoint,
		CreatedAt:        time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (uuid, username, roles, character_reserve, api_keys, azure_endpoint, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.Username, string(rolesJSON), acct.CharacterReserve, keysJSON,
		nullString(in.AzureEndpoint), acct.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, fmt.Errorf("%w: %s", models.ErrAccountExists, in.Username)
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	return acct, nil
}

const selectAccount = `SELECT uuid, username, roles, character_reserve, characters_used,
	own_characters_used, api_keys, azure_endpoint, created_at FROM accounts`

// FindAccountByUsername returns the account owning username.
func (s *Store) FindAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, selectAccount+` WHERE username = ?`, username)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	return acct, nil
}

// GetAccount returns the account with the given uuid.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, selectAccount+` WHERE uuid = ?`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

// IncrementUsage atomically adds amount to one usage counter.
func (s *Store) IncrementUsage(ctx context.Context, accountID string, field models.UsageField, amount int) error {
	var column string
	switch field {
	case models.UsagePlatform:
		column = "characters_used"
	case models.UsageOwnKey:
		column = "own_characters_used"
	default:
		return fmt.Errorf("increment usage: unknown field %q", field)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET `+column+` = `+column+` + ? WHERE uuid = ?`, amount, accountID)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("increment usage: %w: %s", models.ErrAccountNotFound, accountID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*models.Account, error) {
	var (
		acct     models.Account
		roles    string
		keys     sql.NullString
		endpoint sql.NullString
	)
	err := row.Scan(&acct.ID, &acct.Username, &roles, &acct.CharacterReserve, &acct.CharactersUsed,
		&acct.OwnCharactersUsed, &keys, &endpoint, &acct.CreatedAt)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(roles) != "" {
		if err := json.Unmarshal([]byte(roles), &acct.Roles); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
	}
	if keys.Valid && keys.String != "" {
		if err := json.Unmarshal([]byte(keys.String), &acct.APIKeys); err != nil {
			return nil, fmt.Errorf("decode api keys: %w", err)
		}
	}
	acct.AzureEndpoint = endpoint.String
	return &acct, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
