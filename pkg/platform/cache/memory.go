package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultTTL           = 5 * time.Minute
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
	timer     *clock.Timer
}

// Memory is an in-process TTL cache. Each entry carries its own expiry timer;
// reads also evict lazily, and a background sweep catches anything left over.
type Memory[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]

	name          string
	defaultTTL    time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *Metrics

	stop   chan struct{}
	closed bool
}

type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	name          string
	defaultTTL    time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *Metrics
}

// WithName labels the cache in logs and metrics.
func WithName(name string) MemoryOption {
	return func(o *memoryOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithDefaultTTL sets the lifetime used when Set is given a non-positive ttl.
func WithDefaultTTL(d time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		if d > 0 {
			o.defaultTTL = d
		}
	}
}

func WithSweepInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

func WithClock(c clock.Clock) MemoryOption {
	return func(o *memoryOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) MemoryOption {
	return func(o *memoryOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) MemoryOption {
	return func(o *memoryOptions) {
		o.metrics = m
	}
}

// NewMemory creates an in-memory cache and starts its periodic sweep.
// Call Close to stop it.
func NewMemory[V any](opts ...MemoryOption) *Memory[V] {
	o := memoryOptions{
		name:          "memory",
		defaultTTL:    defaultTTL,
		sweepInterval: defaultSweepInterval,
		clock:         clock.New(),
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	m := &Memory[V]{
		entries:       make(map[string]*entry[V]),
		name:          o.name,
		defaultTTL:    o.defaultTTL,
		sweepInterval: o.sweepInterval,
		clock:         o.clock,
		logger:        o.logger,
		metrics:       o.metrics,
		stop:          make(chan struct{}),
	}
	ticker := m.clock.Ticker(m.sweepInterval)
	go m.sweepLoop(ticker)
	return m
}

func (m *Memory[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, value, ttl)
	return nil
}

func (m *Memory[V]) SetIfAbsent(_ context.Context, key string, value V, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key, m.clock.Now()); ok {
		return false, nil
	}
	m.store(key, value, ttl)
	return true, nil
}

// store replaces key's entry and arms its expiry timer. Must be called while holding m.mu.
func (m *Memory[V]) store(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if old, ok := m.entries[key]; ok {
		old.timer.Stop()
	}
	e := &entry[V]{value: value, expiresAt: m.clock.Now().Add(ttl)}
	e.timer = m.clock.AfterFunc(ttl, func() { m.expire(key, e) })
	m.entries[key] = e
	m.metrics.setEntries(m.name, len(m.entries))
}

// expire removes key if it still maps to e; a replaced entry has its own timer.
func (m *Memory[V]) expire(key string, e *entry[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[key] != e {
		return
	}
	delete(m.entries, key)
	m.metrics.evicted(m.name, 1)
	m.metrics.setEntries(m.name, len(m.entries))
}

// live returns key's entry if it has not expired, evicting it otherwise.
// Must be called while holding m.mu.
func (m *Memory[V]) live(key string, now time.Time) (*entry[V], bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		e.timer.Stop()
		delete(m.entries, key)
		m.metrics.evicted(m.name, 1)
		m.metrics.setEntries(m.name, len(m.entries))
		return nil, false
	}
	return e, true
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key, m.clock.Now())
	m.metrics.lookup(m.name, ok)
	if !ok {
		var zero V
		return zero, false, nil
	}
	return e.value, true, nil
}

// Delete removes key and cancels its expiry timer.
func (m *Memory[V]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.timer.Stop()
		delete(m.entries, key)
		m.metrics.setEntries(m.name, len(m.entries))
	}
	return nil
}

func (m *Memory[V]) Has(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key, m.clock.Now())
	return ok, nil
}

// Keys returns the live keys in sorted order.
func (m *Memory[V]) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if now.Before(e.expiresAt) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size counts stored entries, including expired ones not yet evicted.
func (m *Memory[V]) Size(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *Memory[V]) Cleanup(_ context.Context) (int, error) {
	return m.cleanup(), nil
}

func (m *Memory[V]) cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	evicted := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			e.timer.Stop()
			delete(m.entries, k)
			evicted++
		}
	}
	m.metrics.evicted(m.name, evicted)
	m.metrics.setEntries(m.name, len(m.entries))
	return evicted
}

// Clear removes every entry and cancels all expiry timers.
func (m *Memory[V]) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		e.timer.Stop()
	}
	clear(m.entries)
	m.metrics.setEntries(m.name, 0)
	return nil
}

// Close stops the background sweep and drops all entries.
func (m *Memory[V]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	_ = m.Clear(context.Background())
}

func (m *Memory[V]) sweepLoop(ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.cleanup(); n > 0 {
				m.logger.Debug("cache sweep evicted entries", "cache", m.name, "evicted", n)
			}
		}
	}
}

var _ Store[Slot] = (*Memory[Slot])(nil)
