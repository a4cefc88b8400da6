// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// Outcome names how a relayed prompt ended.
type Outcome string

const (
	OutcomeEOM           Outcome = "eom"
	OutcomeError         Outcome = "error"
	OutcomeQuotaExceeded Outcome = "quota_exceeded"
	OutcomeUnavailable   Outcome = "unavailable"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeCancelled     Outcome = "cancelled"
)

// Operation names for store timings.
const (
	OpAccountLookup  = "account_lookup"
	OpUsageIncrement = "usage_increment"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Stream volume (only for relay streams)
	TotalMessages   int64
	TotalPromptSize int64
	MaxPromptSize   int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`

	// Stream stats (nil if not applicable)
	TotalMessages   *int64   `json:"total_messages,omitempty"`
	AvgMessages     *float64 `json:"avg_messages,omitempty"`
	TotalPromptSize *int64   `json:"total_prompt_chars,omitempty"`
	MaxPromptSize   *int64   `json:"max_prompt_chars,omitempty"`
}

// Snapshot represents the full server statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                       `json:"uptime_seconds"`
	Providers     map[string]*OperationSnapshot `json:"providers"`
	Outcomes      map[Outcome]int64             `json:"outcomes"`
	Connections   map[string]int64              `json:"connections"`
	AccountLookup *OperationSnapshot            `json:"account_lookup,omitempty"`
	UsageUpdate   *OperationSnapshot            `json:"usage_increment,omitempty"`
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe and safe to call on a nil receiver.
type Collector struct {
	mu          sync.RWMutex
	startTime   time.Time
	ops         map[string]*OperationMetrics
	streams     map[string]*OperationMetrics
	outcomes    map[Outcome]int64
	connections map[string]int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime:   time.Now(),
		ops:         make(map[string]*OperationMetrics),
		streams:     make(map[string]*OperationMetrics),
		outcomes:    make(map[Outcome]int64),
		connections: make(map[string]int64),
	}
}

// getOrCreate returns existing metrics or creates new ones for a key.
// Caller must hold write lock.
func getOrCreate(table map[string]*OperationMetrics, key string) *OperationMetrics {
	m, ok := table[key]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		table[key] = m
	}
	return m
}

func (m *OperationMetrics) addTiming(d time.Duration) {
	m.Count++
	m.TotalTime += d
	if d < m.MinTime {
		m.MinTime = d
	}
	if d > m.MaxTime {
		m.MaxTime = d
	}
}

// RecordTiming records timing for a store operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	getOrCreate(c.ops, op).addTiming(duration)
}

// RecordStream records one relayed prompt: its provider, duration, message event
// count, prompt size in characters and outcome.
func (c *Collector) RecordStream(provider string, duration time.Duration, messages, promptSize int, outcome Outcome) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := getOrCreate(c.streams, provider)
	m.addTiming(duration)
	m.TotalMessages += int64(messages)
	m.TotalPromptSize += int64(promptSize)
	if int64(promptSize) > m.MaxPromptSize {
		m.MaxPromptSize = int64(promptSize)
	}
	c.outcomes[outcome]++
}

// RecordOutcome counts a prompt that ended before reaching a provider.
func (c *Collector) RecordOutcome(outcome Outcome) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
}

// ConnectionOpened increments the live connection gauge for a transport kind.
func (c *Collector) ConnectionOpened(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connections[kind]++
}

// ConnectionClosed decrements the live connection gauge for a transport kind.
func (c *Collector) ConnectionClosed(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connections[kind] > 0 {
		c.connections[kind]--
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics, includeStream bool) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	if includeStream {
		total := m.TotalMessages
		avg := float64(m.TotalMessages) / float64(m.Count)
		size := m.TotalPromptSize
		maxSize := m.MaxPromptSize

		snap.TotalMessages = &total
		snap.AvgMessages = &avg
		snap.TotalPromptSize = &size
		snap.MaxPromptSize = &maxSize
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Providers:     make(map[string]*OperationSnapshot, len(c.streams)),
		Outcomes:      make(map[Outcome]int64, len(c.outcomes)),
		Connections:   make(map[string]int64, len(c.connections)),
		AccountLookup: snapshotOp(c.ops[OpAccountLookup], false),
		UsageUpdate:   snapshotOp(c.ops[OpUsageIncrement], false),
	}
	for name, m := range c.streams {
		snap.Providers[name] = snapshotOp(m, true)
	}
	for k, v := range c.outcomes {
		snap.Outcomes[k] = v
	}
	for k, v := range c.connections {
		snap.Connections[k] = v
	}
	return snap
}
