// Package usage implements per-account character quota accounting.
package usage

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/osail-liaso/relay/internal/metrics"
	"github.com/osail-liaso/relay/internal/models"
)

// QuotaExceededMessage is the ERROR payload sent when the platform reserve is used up.
const QuotaExceededMessage = "You've used your entire reserve of characters. Add your own API key to continue to use this service freely."

// Store persists usage counters. Increments must be atomic at the storage layer.
type Store interface {
	IncrementUsage(ctx context.Context, accountID string, field models.UsageField, amount int) error
}

// Decision is the outcome of the accounting step.
type Decision int

const (
	DecisionAnonymous Decision = iota
	DecisionOwnKey
	DecisionPlatform
	DecisionQuotaExceeded
)

func (d Decision) String() string {
	switch d {
	case DecisionAnonymous:
		return "anonymous"
	case DecisionOwnKey:
		return "own_key"
	case DecisionPlatform:
		return "platform"
	case DecisionQuotaExceeded:
		return "quota_exceeded"
	default:
		return "unknown"
	}
}

// Proceed reports whether the request may continue to dispatch.
func (d Decision) Proceed() bool {
	return d != DecisionQuotaExceeded
}

// MessageLength sums the character count of every message.
func MessageLength(messages []models.ChatMessage) int {
	n := 0
	for _, m := range messages {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

// Accountant applies the quota policy and records usage.
type Accountant struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewAccountant creates an accountant. collector may be nil.
func NewAccountant(store Store, logger *slog.Logger, collector *metrics.Collector) *Accountant {
	return &Accountant{store: store, logger: logger, metrics: collector}
}

// Charge decides whether acct may send length characters to provider and records
// the usage. Storage failures are logged and never change the decision.
func (a *Accountant) Charge(ctx context.Context, acct *models.Account, provider string, length int) Decision {
	if acct == nil {
		return DecisionAnonymous
	}

	if acct.KeyFor(provider) != "" {
		a.increment(ctx, acct, models.UsageOwnKey, length)
		return DecisionOwnKey
	}

	if acct.CharactersUsed+length >= acct.CharacterReserve {
		a.logger.Info("character reserve exhausted",
			"account", acct.ID,
			"used", acct.CharactersUsed,
			"reserve", acct.CharacterReserve,
			"requested", length)
		return DecisionQuotaExceeded
	}

	a.increment(ctx, acct, models.UsagePlatform, length)
	return DecisionPlatform
}

func (a *Accountant) increment(ctx context.Context, acct *models.Account, field models.UsageField, length int) {
	if a.store == nil || length <= 0 {
		return
	}

	start := time.Now()
	err := a.store.IncrementUsage(ctx, acct.ID, field, length)
	a.metrics.RecordTiming(metrics.OpUsageIncrement, time.Since(start))
	if err != nil {
		a.logger.Warn("usage increment failed", "account", acct.ID, "field", field, "amount", length, "error", err)
	}
}
