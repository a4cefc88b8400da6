// Package relay runs prompt requests against a provider and streams the
// normalized events back to the originating connection and session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/osail-liaso/relay/internal/llm"
	"github.com/osail-liaso/relay/internal/metrics"
	"github.com/osail-liaso/relay/internal/models"
	"github.com/osail-liaso/relay/internal/protocol"
	"github.com/osail-liaso/relay/internal/usage"
)

// DefaultTemperature applies when a request carries no usable temperature.
const DefaultTemperature = 0.5

// DefaultTimeout bounds a single request when no timeout is configured.
const DefaultTimeout = 5 * time.Minute

// Request is one prompt submitted by a client.
type Request struct {
	Account      *models.Account // nil for anonymous use
	Provider     string
	ConnectionID string
	Session      string
	Model        string
	Messages     []models.ChatMessage
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
}

// Conversation returns the message history, or the system/user pair when the history is empty.
func (r *Request) Conversation() []models.ChatMessage {
	return models.Conversation(r.Messages, r.SystemPrompt, r.UserPrompt)
}

// EffectiveTemperature returns Temperature, or DefaultTemperature when it is zero,
// negative or not a finite number.
func (r *Request) EffectiveTemperature() float64 {
	t := r.Temperature
	if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
		return DefaultTemperature
	}
	return t
}

// Deliverer sends one event to a connection.
type Deliverer interface {
	Deliver(connectionID, session, eventType string, message *string)
}

// Providers resolves provider tags.
type Providers interface {
	Lookup(name string) (llm.Provider, bool)
}

// Accountant applies the quota policy.
type Accountant interface {
	Charge(ctx context.Context, acct *models.Account, provider string, length int) usage.Decision
}

// Relay orchestrates prompt requests. It holds no per-request state.
type Relay struct {
	deliverer  Deliverer
	providers  Providers
	accountant Accountant
	logger     *slog.Logger
	timeout    time.Duration
	metrics    *metrics.Collector
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithTimeout bounds how long a single request may stream.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMetrics records per-request statistics.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Relay) { r.metrics = c }
}

// New creates a relay.
func New(deliverer Deliverer, providers Providers, accountant Accountant, opts ...Option) *Relay {
	r := &Relay{
		deliverer:  deliverer,
		providers:  providers,
		accountant: accountant,
		logger:     slog.Default(),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// stream delivers events for one request and tracks whether the terminal event went out.
type stream struct {
	deliverer Deliverer
	req       *Request
	messages  int
	done      bool
}

func (s *stream) message(text string) {
	if s.done {
		return
	}
	s.messages++
	s.deliverer.Deliver(s.req.ConnectionID, s.req.Session, protocol.TypeMessage, protocol.StringPtr(text))
}

func (s *stream) eom() {
	if s.done {
		return
	}
	s.done = true
	s.deliverer.Deliver(s.req.ConnectionID, s.req.Session, protocol.TypeEOM, nil)
}

func (s *stream) fail(text string) {
	if s.done {
		return
	}
	s.done = true
	s.deliverer.Deliver(s.req.ConnectionID, s.req.Session, protocol.TypeError, protocol.StringPtr(text))
}

// Handle runs one request to completion. ctx is the connection's lifetime context;
// cancelling it abandons the request without further delivery.
func (r *Relay) Handle(ctx context.Context, req *Request) {
	start := time.Now()
	out := &stream{deliverer: r.deliverer, req: req}
	messages := req.Conversation()
	length := usage.MessageLength(messages)
	log := r.logger.With("connection_id", req.ConnectionID, "session", req.Session, "provider", req.Provider, "model", req.Model)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("relay panicked", "panic", rec)
			out.fail(fmt.Sprintf("%v", rec))
			r.metrics.RecordOutcome(metrics.OutcomeError)
		}
	}()

	// Accounting
	decision := r.accountant.Charge(ctx, req.Account, req.Provider, length)
	if !decision.Proceed() {
		out.fail(usage.QuotaExceededMessage)
		r.metrics.RecordOutcome(metrics.OutcomeQuotaExceeded)
		return
	}

	// Dispatch
	provider, ok := r.providers.Lookup(req.Provider)
	if !ok || !provider.Available(req.Account) {
		log.Warn("provider not supported or not activated", "known", ok)
		out.fail(protocol.ProviderErrorMessage())
		r.metrics.RecordOutcome(metrics.OutcomeUnavailable)
		return
	}

	events, err := provider.Stream(ctx, &llm.Request{
		Account:     req.Account,
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.EffectiveTemperature(),
	})
	if err != nil {
		log.Warn("provider dispatch failed", "error", err)
		if errors.Is(err, llm.ErrProviderUnavailable) {
			out.fail(protocol.ProviderErrorMessage())
			r.metrics.RecordOutcome(metrics.OutcomeUnavailable)
			return
		}
		out.fail(err.Error())
		r.metrics.RecordStream(req.Provider, time.Since(start), 0, length, metrics.OutcomeError)
		return
	}

	// Streaming
	outcome := r.consume(ctx, out, events)

	log.Info("prompt relayed",
		"accounting", decision.String(),
		"prompt_chars", length,
		"messages", out.messages,
		"outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds())
	r.metrics.RecordStream(req.Provider, time.Since(start), out.messages, length, outcome)
}

func (r *Relay) consume(ctx context.Context, out *stream, events <-chan llm.Event) metrics.Outcome {
	for ev := range events {
		switch ev.Type {
		case llm.EventMessage:
			out.message(ev.Text)
		case llm.EventEOM:
			out.eom()
			return metrics.OutcomeEOM
		case llm.EventError:
			text := ev.Text
			if text == "" && ev.Err != nil {
				text = ev.Err.Error()
			}
			out.fail(text)
			return metrics.OutcomeError
		}
	}

	// The producer closed without a terminal event: the context ended first.
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.fail(protocol.ErrRequestTimedOut)
		return metrics.OutcomeTimeout
	case ctx.Err() != nil:
		return metrics.OutcomeCancelled
	default:
		out.eom()
		return metrics.OutcomeEOM
	}
}
