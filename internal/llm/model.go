package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/osail-liaso/relay/internal/models"
	"github.com/tmc/langchaingo/llms"
)

// ClientFactory builds a per-call client from an account's own key.
// endpoint is only meaningful for providers addressed by URL (Azure).
type ClientFactory func(apiKey, endpoint string) (llms.Model, error)

// ChatProvider streams chat completions through a langchaingo model.
type ChatProvider struct {
	name       string
	platform   llms.Model
	factory    ClientFactory
	maxTokens  int
	remapRoles bool
	logger     *slog.Logger
}

// Option configures a ChatProvider.
type Option func(*ChatProvider)

// WithPlatformClient sets the shared client used when the account has no key of its own.
func WithPlatformClient(m llms.Model) Option {
	return func(p *ChatProvider) { p.platform = m }
}

// WithClientFactory enables bring-your-own-key calls.
func WithClientFactory(f ClientFactory) Option {
	return func(p *ChatProvider) { p.factory = f }
}

// WithMaxTokens caps the completion length on every call.
func WithMaxTokens(n int) Option {
	return func(p *ChatProvider) { p.maxTokens = n }
}

// WithRoleRemap applies RemapSystemRoles before dispatch.
func WithRoleRemap() Option {
	return func(p *ChatProvider) { p.remapRoles = true }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *ChatProvider) { p.logger = l }
}

// NewChatProvider creates a provider registered under name.
func NewChatProvider(name string, opts ...Option) *ChatProvider {
	p := &ChatProvider{name: name, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider tag.
func (p *ChatProvider) Name() string {
	return p.name
}

// Available reports whether a call for acct can be made at all.
func (p *ChatProvider) Available(acct *models.Account) bool {
	if p.platform != nil {
		return true
	}
	return p.factory != nil && acct.KeyFor(p.name) != ""
}

func (p *ChatProvider) client(acct *models.Account) (llms.Model, error) {
	if key := acct.KeyFor(p.name); key != "" && p.factory != nil {
		m, err := p.factory(key, acct.AzureEndpoint)
		if err != nil {
			return nil, fmt.Errorf("create %s client: %w", p.name, err)
		}
		return m, nil
	}
	if p.platform != nil {
		return p.platform, nil
	}
	return nil, ErrProviderUnavailable
}

func (p *ChatProvider) messages(in []models.ChatMessage) []llms.MessageContent {
	if !p.remapRoles {
		return toMessageContent(in)
	}
	system, rest := RemapSystemRoles(in)
	out := make([]llms.MessageContent, 0, len(rest)+1)
	if system != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	return append(out, toMessageContent(rest)...)
}

// Stream starts a streaming completion. Errors returned here happen before any
// upstream call; failures after that arrive as an ERROR event.
func (p *ChatProvider) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	client, err := p.client(req.Account)
	if err != nil {
		return nil, err
	}

	content := p.messages(req.Messages)
	opts := []llms.CallOption{
		llms.WithModel(req.Model),
		llms.WithTemperature(req.Temperature),
	}
	if p.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(p.maxTokens))
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("provider stream panicked", "provider", p.name, "panic", r)
				send(ctx, events, Event{Type: EventError, Text: fmt.Sprint(r), Err: fmt.Errorf("provider panic: %v", r)})
			}
		}()

		chunks := 0
		opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			if !send(ctx, events, Event{Type: EventMessage, Text: string(chunk)}) {
				return ctx.Err()
			}
			chunks++
			return nil
		}))

		start := time.Now()
		_, err := client.GenerateContent(ctx, content, opts...)
		duration := time.Since(start)

		if err != nil {
			attrs := []any{"provider", p.name, "model", req.Model, "chunks", chunks, "duration_ms", duration.Milliseconds(), "error", err}
			if IsFatalAPIError(err) {
				p.logger.Error("provider stream failed", attrs...)
			} else {
				p.logger.Warn("provider stream failed", attrs...)
			}
			send(ctx, events, Event{Type: EventError, Text: err.Error(), Err: wrapFatalError(err)})
			return
		}

		p.logger.Debug("provider stream completed", "provider", p.name, "model", req.Model, "chunks", chunks, "duration_ms", duration.Milliseconds())
		send(ctx, events, Event{Type: EventEOM})
	}()

	return events, nil
}

func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
