package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/osail-liaso/relay/internal/config"
	"github.com/osail-liaso/relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel streams scripted chunks through the streaming callback.
type fakeModel struct {
	chunks []string
	err    error
	panic  any
	delay  time.Duration

	mu       sync.Mutex
	calls    int
	messages []llms.MessageContent
	options  llms.CallOptions
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}

	f.mu.Lock()
	f.calls++
	f.messages = messages
	f.options = opts
	f.mu.Unlock()

	if f.panic != nil {
		panic(f.panic)
	}

	var full string
	for _, c := range f.chunks {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if opts.StreamingFunc != nil {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
		full += c
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: full}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not close")
			return nil
		}
	}
}

func userRequest(acct *models.Account) *Request {
	return &Request{
		Account:     acct,
		Model:       "gpt-4",
		Messages:    models.Conversation(nil, "be brief", "hi"),
		Temperature: 0.5,
	}
}

func TestChatProviderStream(t *testing.T) {
	t.Run("message events then EOM", func(t *testing.T) {
		m := &fakeModel{chunks: []string{"Hel", "", "lo"}}
		p := NewChatProvider(models.ProviderOpenAI, WithPlatformClient(m), WithLogger(quietLogger()))

		ch, err := p.Stream(context.Background(), userRequest(nil))
		require.NoError(t, err)

		events := collect(t, ch)
		require.Len(t, events, 3, "empty chunk must be skipped")
		assert.Equal(t, Event{Type: EventMessage, Text: "Hel"}, events[0])
		assert.Equal(t, Event{Type: EventMessage, Text: "lo"}, events[1])
		assert.Equal(t, EventEOM, events[2].Type)
		assert.True(t, events[2].Terminal())
	})

	t.Run("upstream error becomes terminal ERROR", func(t *testing.T) {
		m := &fakeModel{chunks: []string{"partial"}, err: errors.New("HTTP 500: upstream exploded")}
		p := NewChatProvider(models.ProviderMistral, WithPlatformClient(m), WithLogger(quietLogger()))

		ch, err := p.Stream(context.Background(), userRequest(nil))
		require.NoError(t, err)

		events := collect(t, ch)
		require.Len(t, events, 2)
		assert.Equal(t, EventMessage, events[0].Type)
		assert.Equal(t, EventError, events[1].Type)
		assert.Equal(t, "HTTP 500: upstream exploded", events[1].Text)
		assert.False(t, errors.Is(events[1].Err, ErrFatalAPI))
	})

	t.Run("fatal upstream error is classified", func(t *testing.T) {
		m := &fakeModel{err: errors.New("invalid api key")}
		p := NewChatProvider(models.ProviderGroq, WithPlatformClient(m), WithLogger(quietLogger()))

		ch, err := p.Stream(context.Background(), userRequest(nil))
		require.NoError(t, err)

		events := collect(t, ch)
		require.Len(t, events, 1)
		assert.Equal(t, "invalid api key", events[0].Text)
		assert.ErrorIs(t, events[0].Err, ErrFatalAPI)
	})

	t.Run("panic becomes terminal ERROR", func(t *testing.T) {
		m := &fakeModel{panic: "boom"}
		p := NewChatProvider(models.ProviderOpenAI, WithPlatformClient(m), WithLogger(quietLogger()))

		ch, err := p.Stream(context.Background(), userRequest(nil))
		require.NoError(t, err)

		events := collect(t, ch)
		require.Len(t, events, 1)
		assert.Equal(t, EventError, events[0].Type)
		assert.Contains(t, events[0].Text, "boom")
	})

	t.Run("cancelled context closes without terminal event", func(t *testing.T) {
		m := &fakeModel{chunks: []string{"a", "b", "c"}, delay: 50 * time.Millisecond}
		p := NewChatProvider(models.ProviderOpenAI, WithPlatformClient(m), WithLogger(quietLogger()))

		ctx, cancel := context.WithCancel(context.Background())
		ch, err := p.Stream(ctx, userRequest(nil))
		require.NoError(t, err)
		cancel()

		for _, ev := range collect(t, ch) {
			assert.False(t, ev.Terminal(), "no terminal event after cancellation, got %v", ev)
		}
	})

	t.Run("call options are forwarded", func(t *testing.T) {
		m := &fakeModel{}
		p := NewChatProvider(models.ProviderAnthropic, WithPlatformClient(m), WithMaxTokens(4096), WithLogger(quietLogger()))

		req := userRequest(nil)
		req.Model = "claude-3-haiku"
		req.Temperature = 0.2
		ch, err := p.Stream(context.Background(), req)
		require.NoError(t, err)
		collect(t, ch)

		assert.Equal(t, "claude-3-haiku", m.options.Model)
		assert.InDelta(t, 0.2, m.options.Temperature, 1e-9)
		assert.Equal(t, 4096, m.options.MaxTokens)
	})
}

func TestChatProviderClientSelection(t *testing.T) {
	platform := &fakeModel{chunks: []string{"platform"}}
	own := &fakeModel{chunks: []string{"own"}}

	var gotKey, gotEndpoint string
	factory := func(apiKey, endpoint string) (llms.Model, error) {
		gotKey, gotEndpoint = apiKey, endpoint
		return own, nil
	}

	t.Run("own key wins over platform client", func(t *testing.T) {
		p := NewChatProvider(models.ProviderAzureOpenAI, WithPlatformClient(platform), WithClientFactory(factory), WithLogger(quietLogger()))
		acct := &models.Account{
			APIKeys:       map[string]string{models.ProviderAzureOpenAI: "sk-own"},
			AzureEndpoint: "https://acct.openai.azure.com",
		}

		ch, err := p.Stream(context.Background(), userRequest(acct))
		require.NoError(t, err)
		events := collect(t, ch)

		require.NotEmpty(t, events)
		assert.Equal(t, "own", events[0].Text)
		assert.Equal(t, "sk-own", gotKey)
		assert.Equal(t, "https://acct.openai.azure.com", gotEndpoint)
		assert.Zero(t, platform.callCount())
	})

	t.Run("no platform and no key is unavailable", func(t *testing.T) {
		p := NewChatProvider(models.ProviderMistral, WithClientFactory(factory), WithLogger(quietLogger()))

		assert.False(t, p.Available(nil))
		assert.False(t, p.Available(&models.Account{}))
		assert.True(t, p.Available(&models.Account{APIKeys: map[string]string{models.ProviderMistral: "k"}}))

		_, err := p.Stream(context.Background(), userRequest(nil))
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	})

	t.Run("factory error surfaces before streaming", func(t *testing.T) {
		p := NewChatProvider(models.ProviderOpenAI, WithClientFactory(func(string, string) (llms.Model, error) {
			return nil, errors.New("bad key format")
		}), WithLogger(quietLogger()))

		acct := &models.Account{APIKeys: map[string]string{models.ProviderOpenAI: "k"}}
		_, err := p.Stream(context.Background(), userRequest(acct))
		assert.ErrorContains(t, err, "bad key format")
	})
}

func TestChatProviderRoleRemap(t *testing.T) {
	m := &fakeModel{}
	p := NewChatProvider(models.ProviderAnthropic, WithPlatformClient(m), WithRoleRemap(), WithLogger(quietLogger()))

	req := userRequest(nil)
	req.Messages = []models.ChatMessage{
		{Role: "system", Content: "a"},
		{Role: "user", Content: "b"},
		{Role: "system", Content: "c"},
	}
	ch, err := p.Stream(context.Background(), req)
	require.NoError(t, err)
	collect(t, ch)

	require.Len(t, m.messages, 3)
	assert.Equal(t, llms.TextParts(llms.ChatMessageTypeSystem, "a"), m.messages[0])
	assert.Equal(t, llms.TextParts(llms.ChatMessageTypeHuman, "b"), m.messages[1])
	assert.Equal(t, llms.TextParts(llms.ChatMessageTypeAI, "c"), m.messages[2])
}

func TestRemapSystemRoles(t *testing.T) {
	tests := []struct {
		name       string
		in         []models.ChatMessage
		wantSystem string
		wantRest   []models.ChatMessage
	}{
		{
			name: "round trip",
			in: []models.ChatMessage{
				{Role: "system", Content: "a"},
				{Role: "user", Content: "b"},
				{Role: "system", Content: "c"},
			},
			wantSystem: "a",
			wantRest: []models.ChatMessage{
				{Role: "user", Content: "b"},
				{Role: "assistant", Content: "c"},
			},
		},
		{
			name:       "no system entry",
			in:         []models.ChatMessage{{Role: "user", Content: "hi"}},
			wantSystem: "",
			wantRest:   []models.ChatMessage{{Role: "user", Content: "hi"}},
		},
		{
			name: "first system entry not at head",
			in: []models.ChatMessage{
				{Role: "user", Content: "hi"},
				{Role: "system", Content: "rules"},
				{Role: "assistant", Content: "ok"},
			},
			wantSystem: "rules",
			wantRest: []models.ChatMessage{
				{Role: "user", Content: "hi"},
				{Role: "assistant", Content: "ok"},
			},
		},
		{
			name:       "empty",
			in:         nil,
			wantSystem: "",
			wantRest:   []models.ChatMessage{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, rest := RemapSystemRoles(tt.in)
			assert.Equal(t, tt.wantSystem, system)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(
		NewChatProvider(models.ProviderOpenAI),
		NewChatProvider(models.ProviderAnthropic),
	)

	p, ok := reg.Lookup(models.ProviderOpenAI)
	require.True(t, ok)
	assert.Equal(t, models.ProviderOpenAI, p.Name())

	_, ok = reg.Lookup("unknownProvider")
	assert.False(t, ok)

	reg.Register(NewChatProvider(models.ProviderGroq))
	assert.Equal(t, []string{"anthropic", "groq", "openAi"}, reg.Names())
}

func TestFromConfig(t *testing.T) {
	reg, err := FromConfig(config.Config{
		OpenAIAPIKey:          "sk-test",
		GroqAPIKey:            "gsk-test",
		GroqBaseURL:           "https://api.groq.com/openai/v1",
		AzureOpenAIKey:        "az-test",
		AzureOpenAIAPIVersion: "2024-02-01",
		AnthropicMaxTokens:    4096,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "azureOpenAi", "groq", "mistral", "openAi"}, reg.Names())

	tests := []struct {
		provider string
		account  *models.Account
		want     bool
	}{
		{models.ProviderOpenAI, nil, true},
		{models.ProviderGroq, nil, true},
		{models.ProviderAnthropic, nil, false},
		{models.ProviderAnthropic, &models.Account{APIKeys: map[string]string{models.ProviderAnthropic: "own"}}, true},
		{models.ProviderMistral, &models.Account{APIKeys: map[string]string{models.ProviderOpenAI: "own"}}, false},
		// The platform Azure key has no endpoint, so only accounts with both can use it.
		{models.ProviderAzureOpenAI, nil, false},
		{models.ProviderAzureOpenAI, &models.Account{APIKeys: map[string]string{models.ProviderAzureOpenAI: "own"}}, false},
		{models.ProviderAzureOpenAI, &models.Account{APIKeys: map[string]string{models.ProviderAzureOpenAI: "own"}, AzureEndpoint: "https://x.openai.azure.com"}, true},
	}
	for _, tt := range tests {
		p, ok := reg.Lookup(tt.provider)
		require.True(t, ok, tt.provider)
		assert.Equal(t, tt.want, p.Available(tt.account), "%s available for %+v", tt.provider, tt.account)
	}
}

func TestIsFatalAPIError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"nil error", nil, false},
		{"generic error", errors.New("connection reset"), false},
		{"credit balance", errors.New("insufficient credit balance"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"quota exceeded", errors.New("quota exceeded for model"), true},
		{"billing issue", errors.New("billing account inactive"), true},
		{"invalid api key", errors.New("invalid api key"), true},
		{"authentication failed", errors.New("authentication failed"), true},
		{"unauthorized", errors.New("unauthorized request"), true},
		{"401 status", errors.New("HTTP 401: not allowed"), true},
		{"403 status", errors.New("HTTP 403: forbidden"), true},
		{"wrapped error", fmt.Errorf("stream: %w", errors.New("credit balance too low")), true},
		{"404 not fatal", errors.New("HTTP 404: not found"), false},
		{"timeout not fatal", errors.New("context deadline exceeded"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatalAPIError(tt.err))
		})
	}
}

func TestWrapFatalError(t *testing.T) {
	t.Run("wraps fatal error", func(t *testing.T) {
		err := errors.New("invalid api key provided")
		wrapped := wrapFatalError(err)
		assert.ErrorIs(t, wrapped, ErrFatalAPI)
		assert.ErrorIs(t, wrapped, err)
	})

	t.Run("passes through non-fatal error", func(t *testing.T) {
		err := errors.New("network timeout")
		assert.Same(t, err, wrapFatalError(err))
	})

	t.Run("nil error", func(t *testing.T) {
		assert.NoError(t, wrapFatalError(nil))
	})
}
