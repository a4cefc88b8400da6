package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/osail-liaso/relay/internal/auth"
	"github.com/osail-liaso/relay/internal/metrics"
	"github.com/osail-liaso/relay/internal/models"
	"golang.org/x/sync/singleflight"
)

// Service resolves prompt tokens to accounts.
type Service struct {
	verifier       *auth.Verifier
	store          Store
	defaultReserve int
	logger         *slog.Logger
	metrics        *metrics.Collector

	// lookups collapses concurrent store reads for the same username.
	lookups singleflight.Group
}

// NewService creates a service. defaultReserve applies to accounts created
// without an explicit reserve. collector may be nil.
func NewService(verifier *auth.Verifier, store Store, defaultReserve int, logger *slog.Logger, collector *metrics.Collector) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		verifier:       verifier,
		store:          store,
		defaultReserve: defaultReserve,
		logger:         logger,
		metrics:        collector,
	}
}

// FindAccountByToken returns the account named by token.
// An empty, invalid or expired token, or an unknown username, is anonymous: (nil, nil).
// Only storage failures are returned as errors.
func (s *Service) FindAccountByToken(ctx context.Context, token string) (*models.Account, error) {
	if token == "" || s.verifier == nil {
		return nil, nil
	}

	claims, err := s.verifier.DecodeToken(token)
	if err != nil {
		s.logger.Debug("token rejected, continuing anonymously", "error", err)
		return nil, nil
	}

	res, err, _ := s.lookups.Do(claims.Username, func() (any, error) {
		start := time.Now()
		acct, err := s.store.FindAccountByUsername(ctx, claims.Username)
		s.metrics.RecordTiming(metrics.OpAccountLookup, time.Since(start))
		return acct, err
	})
	if errors.Is(err, models.ErrAccountNotFound) {
		s.logger.Debug("token names unknown account", "username", claims.Username)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}

	found, _ := res.(*models.Account)
	if found == nil {
		return nil, nil
	}
	// Callers sharing a lookup each get their own copy.
	acct := *found
	return &acct, nil
}

// CreateAccount provisions an account, applying the default reserve when none is given.
func (s *Service) CreateAccount(ctx context.Context, in models.AccountInput) (*models.Account, error) {
	if in.Username == "" {
		return nil, errors.New("username is required")
	}
	if in.CharacterReserve <= 0 {
		in.CharacterReserve = s.defaultReserve
	}
	if in.Roles == nil {
		in.Roles = []string{"user"}
	}
	acct, err := s.store.CreateAccount(ctx, in)
	if err != nil {
		return nil, err
	}
	s.logger.Info("account created", "account", acct.ID, "username", acct.Username, "reserve", acct.CharacterReserve)
	return acct, nil
}

// Account returns the account with the given id.
func (s *Service) Account(ctx context.Context, id string) (*models.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// AccountByUsername returns the account registered under username.
func (s *Service) AccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	return s.store.FindAccountByUsername(ctx, username)
}

// IssueToken signs a token for an existing username.
func (s *Service) IssueToken(ctx context.Context, username, issuer string) (string, error) {
	acct, err := s.store.FindAccountByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	token, _, err := s.verifier.IssueToken(acct.Username, acct.Roles, issuer)
	if err != nil {
		return "", err
	}
	return token, nil
}
