package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/osail-liaso/relay/internal/llm"
	"github.com/osail-liaso/relay/internal/metrics"
	"github.com/osail-liaso/relay/internal/models"
	"github.com/osail-liaso/relay/internal/protocol"
	"github.com/osail-liaso/relay/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivered struct {
	connectionID string
	session      string
	eventType    string
	message      *string
	at           time.Time
}

type recorder struct {
	mu     sync.Mutex
	events []delivered
}

func (r *recorder) Deliver(connectionID, session, eventType string, message *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, delivered{connectionID, session, eventType, message, time.Now()})
}

func (r *recorder) forConn(id string) []delivered {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivered
	for _, e := range r.events {
		if e.connectionID == id {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) types(id string) []string {
	var out []string
	for _, e := range r.forConn(id) {
		out = append(out, e.eventType)
	}
	return out
}

// scriptedProvider replays events with an optional delay between them.
type scriptedProvider struct {
	name      string
	available bool
	events    []llm.Event
	delay     time.Duration
	hang      bool
	streamErr error
	panics    bool

	mu      sync.Mutex
	calls   int
	lastReq *llm.Request
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Available(*models.Account) bool { return p.available }

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Event, error) {
	p.mu.Lock()
	p.calls++
	p.lastReq = req
	p.mu.Unlock()

	if p.panics {
		panic("provider exploded")
	}
	if p.streamErr != nil {
		return nil, p.streamErr
	}

	ch := make(chan llm.Event)
	go func() {
		defer close(ch)
		for _, ev := range p.events {
			if p.delay > 0 {
				select {
				case <-time.After(p.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if p.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type incrementCall struct {
	field  models.UsageField
	amount int
}

type usageStore struct {
	mu    sync.Mutex
	calls []incrementCall
}

func (s *usageStore) IncrementUsage(_ context.Context, _ string, field models.UsageField, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, incrementCall{field, amount})
	return nil
}

func helloEvents() []llm.Event {
	return []llm.Event{
		{Type: llm.EventMessage, Text: "Hel"},
		{Type: llm.EventMessage, Text: "lo"},
		{Type: llm.EventEOM},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(rec *recorder, store usage.Store, providers ...llm.Provider) (*Relay, *metrics.Collector) {
	collector := metrics.NewCollector()
	accountant := usage.NewAccountant(store, testLogger(), collector)
	return New(rec, llm.NewRegistry(providers...), accountant,
		WithLogger(testLogger()),
		WithTimeout(2*time.Second),
		WithMetrics(collector),
	), collector
}

func prompt(provider string, acct *models.Account) *Request {
	return &Request{
		Account:      acct,
		Provider:     provider,
		ConnectionID: "c1",
		Session:      "s1",
		Model:        "gpt-4",
		SystemPrompt: "be brief",
		UserPrompt:   "hello",
	}
}

func TestHandleSuccessfulStream(t *testing.T) {
	rec := &recorder{}
	p := &scriptedProvider{name: models.ProviderOpenAI, available: true, events: helloEvents()}
	r, collector := newTestRelay(rec, &usageStore{}, p)

	r.Handle(context.Background(), prompt(models.ProviderOpenAI, nil))

	got := rec.forConn("c1")
	require.Len(t, got, 3)
	assert.Equal(t, []string{"message", "message", "EOM"}, rec.types("c1"))
	assert.Equal(t, "Hel", *got[0].message)
	assert.Equal(t, "lo", *got[1].message)
	assert.Nil(t, got[2].message)
	for _, e := range got {
		assert.Equal(t, "s1", e.session)
	}

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.Outcomes[metrics.OutcomeEOM])
	require.Contains(t, snap.Providers, models.ProviderOpenAI)
	assert.Equal(t, int64(2), *snap.Providers[models.ProviderOpenAI].TotalMessages)
}

func TestHandleBuildsProviderRequest(t *testing.T) {
	rec := &recorder{}
	p := &scriptedProvider{name: models.ProviderGroq, available: true, events: helloEvents()}
	r, _ := newTestRelay(rec, nil, p)

	req := prompt(models.ProviderGroq, nil)
	req.Model = "llama3-70b"
	req.Temperature = math.NaN()
	r.Handle(context.Background(), req)

	require.NotNil(t, p.lastReq)
	assert.Equal(t, "llama3-70b", p.lastReq.Model)
	assert.InDelta(t, DefaultTemperature, p.lastReq.Temperature, 1e-9)
	assert.Equal(t, []models.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}, p.lastReq.Messages)
}

func TestHandleQuotaExceeded(t *testing.T) {
	rec := &recorder{}
	store := &usageStore{}
	p := &scriptedProvider{name: models.ProviderOpenAI, available: true, events: helloEvents()}
	r, collector := newTestRelay(rec, store, p)

	// "be brief" + "hello" is 13 characters; 87 + 13 reaches the reserve.
	acct := &models.Account{ID: "a1", CharacterReserve: 100, CharactersUsed: 87}
	r.Handle(context.Background(), prompt(models.ProviderOpenAI, acct))

	got := rec.forConn("c1")
	require.Len(t, got, 1)
	assert.Equal(t, "ERROR", got[0].eventType)
	assert.Equal(t, usage.QuotaExceededMessage, *got[0].message)
	assert.Zero(t, p.callCount(), "no upstream call after quota rejection")
	assert.Empty(t, store.calls)
	assert.Equal(t, int64(1), collector.Snapshot().Outcomes[metrics.OutcomeQuotaExceeded])
}

func TestHandleOwnKeyBypassesQuota(t *testing.T) {
	rec := &recorder{}
	store := &usageStore{}
	p := &scriptedProvider{name: models.ProviderAnthropic, available: true, events: helloEvents()}
	r, _ := newTestRelay(rec, store, p)

	acct := &models.Account{
		ID:               "a1",
		CharacterReserve: 10,
		CharactersUsed:   10,
		APIKeys:          map[string]string{models.ProviderAnthropic: "sk-own"},
	}
	r.Handle(context.Background(), prompt(models.ProviderAnthropic, acct))

	assert.Equal(t, 1, p.callCount())
	assert.Equal(t, []incrementCall{{models.UsageOwnKey, 13}}, store.calls)
	assert.Equal(t, []string{"message", "message", "EOM"}, rec.types("c1"))
}

func TestHandlePlatformUsageRecorded(t *testing.T) {
	rec := &recorder{}
	store := &usageStore{}
	p := &scriptedProvider{name: models.ProviderMistral, available: true, events: helloEvents()}
	r, _ := newTestRelay(rec, store, p)

	acct := &models.Account{ID: "a1", CharacterReserve: 1000}
	r.Handle(context.Background(), prompt(models.ProviderMistral, acct))

	assert.Equal(t, []incrementCall{{models.UsagePlatform, 13}}, store.calls)
	assert.Equal(t, 1, p.callCount())
}

func TestHandleProviderNotSupported(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		known    *scriptedProvider
	}{
		{"unknown tag", "unknownProvider", &scriptedProvider{name: models.ProviderOpenAI, available: true}},
		{"not activated", models.ProviderMistral, &scriptedProvider{name: models.ProviderMistral, available: false}},
		{"stream reports unavailable", models.ProviderGroq, &scriptedProvider{name: models.ProviderGroq, available: true, streamErr: llm.ErrProviderUnavailable}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			r, collector := newTestRelay(rec, nil, tt.known)
			r.Handle(context.Background(), prompt(tt.provider, nil))

			got := rec.forConn("c1")
			require.Len(t, got, 1)
			assert.Equal(t, "ERROR", got[0].eventType)
			assert.JSONEq(t, `{"message":"Provider not supported or not activated."}`, *got[0].message)
			assert.Equal(t, int64(1), collector.Snapshot().Outcomes[metrics.OutcomeUnavailable])
		})
	}
}

func TestHandleProviderError(t *testing.T) {
	rec := &recorder{}
	p := &scriptedProvider{name: models.ProviderOpenAI, available: true, events: []llm.Event{
		{Type: llm.EventMessage, Text: "par"},
		{Type: llm.EventError, Text: "HTTP 502: bad gateway"},
		{Type: llm.EventMessage, Text: "never"},
	}}
	r, _ := newTestRelay(rec, nil, p)

	r.Handle(context.Background(), prompt(models.ProviderOpenAI, nil))

	got := rec.forConn("c1")
	require.Len(t, got, 2)
	assert.Equal(t, "message", got[0].eventType)
	assert.Equal(t, "ERROR", got[1].eventType)
	assert.Equal(t, "HTTP 502: bad gateway", *got[1].message)
}

func TestHandleErrorEventWithoutText(t *testing.T) {
	rec := &recorder{}
	p := &scriptedProvider{name: models.ProviderOpenAI, available: true, events: []llm.Event{
		{Type: llm.EventError, Err: errors.New("stream reset")},
	}}
	r, _ := newTestRelay(rec, nil, p)

	r.Handle(context.Background(), prompt(models.ProviderOpenAI, nil))

	got := rec.forConn("c1")
	require.Len(t, got, 1)
	assert.Equal(t, "stream reset", *got[0].message)
}

func TestHandleStreamErrorBeforeUpstream(t *testing.T) {
	rec := &recorder{}
	p := &scriptedProvider{name: models.ProviderOpenAI, available: true, streamErr: errors.New("create openAi client: bad key")}
	r, _ := newTestRelay(rec, nil, p)

	r.Handle(context.Background(), prompt(models.ProviderOpenAI, nil))

	got := rec.forConn("c1")
	require.Len(t, got, 1)
	assert.Equal(t, "ERROR", got[0].eventType)
	assert.Equal(t, "create openAi client: bad key", *got[0].message)
}

func TestHandleClosedWithoutTerminal(t *testing.T) {
	rec := &recorder{}
	p := &scriptedProvider{name: models.ProviderOpenAI, available: true, events: []llm.Event{
		{Type: llm.EventMessage, Text: "only"},
	}}
	r, _ := newTestRelay(rec, nil, p)

	r.Handle(context.Background(), prompt(models.ProviderOpenAI, nil))
	assert.Equal(t, []string{"message", "EOM"}, rec.types("c1"))
}

func TestHandleTimeout(t *testing.T) {
	rec := &recorder{}
	p := &scriptedProvider{name: models.ProviderOpenAI, available: true, hang: true, events: []llm.Event{
		{Type: llm.EventMessage, Text: "thinking"},
	}}
	collector := metrics.NewCollector()
	r := New(rec, llm.NewRegistry(p), usage.NewAccountant(nil, testLogger(), collector),
		WithLogger(testLogger()),
		WithTimeout(50*time.Millisecond),
		WithMetrics(collector),
	)

	r.Handle(context.Background(), prompt(models.ProviderOpenAI, nil))

	got := rec.forConn("c1")
	require.Len(t, got, 2)
	assert.Equal(t, "message", got[0].eventType)
	assert.Equal(t, "ERROR", got[1].eventType)
	assert.Equal(t, protocol.ErrRequestTimedOut, *got[1].message)
	assert.Equal(t, int64(1), collector.Snapshot().Outcomes[metrics.OutcomeTimeout])
}

func TestHandleConnectionCancelled(t *testing.T) {
	rec := &recorder{}
	p := &scriptedProvider{name: models.ProviderOpenAI, available: true, hang: true}
	r, collector := newTestRelay(rec, nil, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Handle(ctx, prompt(models.ProviderOpenAI, nil))
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
	assert.Empty(t, rec.forConn("c1"))
	assert.Equal(t, int64(1), collector.Snapshot().Outcomes[metrics.OutcomeCancelled])
}

func TestHandleRecoversPanic(t *testing.T) {
	rec := &recorder{}
	p := &scriptedProvider{name: models.ProviderOpenAI, available: true, panics: true}
	r, _ := newTestRelay(rec, nil, p)

	assert.NotPanics(t, func() {
		r.Handle(context.Background(), prompt(models.ProviderOpenAI, nil))
	})

	got := rec.forConn("c1")
	require.Len(t, got, 1)
	assert.Equal(t, "ERROR", got[0].eventType)
	assert.Contains(t, *got[0].message, "provider exploded")
}

func TestHandleIndependentConnections(t *testing.T) {
	rec := &recorder{}
	slow := &scriptedProvider{name: models.ProviderAnthropic, available: true, events: helloEvents(), delay: 150 * time.Millisecond}
	fast := &scriptedProvider{name: models.ProviderGroq, available: true, events: helloEvents()}
	r, _ := newTestRelay(rec, nil, slow, fast)

	slowReq := prompt(models.ProviderAnthropic, nil)
	slowReq.ConnectionID = "slow"
	fastReq := prompt(models.ProviderGroq, nil)
	fastReq.ConnectionID = "fast"

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.Handle(context.Background(), slowReq) }()
	time.Sleep(10 * time.Millisecond)
	go func() { defer wg.Done(); r.Handle(context.Background(), fastReq) }()
	wg.Wait()

	slowEvents := rec.forConn("slow")
	fastEvents := rec.forConn("fast")
	require.Len(t, slowEvents, 3)
	require.Len(t, fastEvents, 3)
	assert.Equal(t, "EOM", fastEvents[2].eventType)
	assert.Equal(t, "EOM", slowEvents[2].eventType)
	assert.True(t, fastEvents[2].at.Before(slowEvents[2].at), "fast EOM must not wait for the slow stream")
}

func TestEffectiveTemperature(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, 0.5},
		{-1, 0.5},
		{math.NaN(), 0.5},
		{math.Inf(1), 0.5},
		{0.2, 0.2},
		{1.3, 1.3},
	}
	for _, tt := range tests {
		r := &Request{Temperature: tt.in}
		assert.InDelta(t, tt.want, r.EffectiveTemperature(), 1e-9)
	}
}

func TestConversationHistorySupersedesPrompts(t *testing.T) {
	req := &Request{
		SystemPrompt: "ignored",
		UserPrompt:   "ignored",
		Messages:     []models.ChatMessage{{Role: "user", Content: "from history"}},
	}
	assert.Equal(t, req.Messages, req.Conversation())
}
