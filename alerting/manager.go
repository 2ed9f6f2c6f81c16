// Package alerting turns detector findings into persisted, deduplicated
// alerts and fans created alerts out to attached sinks.
package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/semihalev/zlog/v2"

	"dnssentry/config"
	"dnssentry/store"
)

// Sink receives alerts after they are committed. Sink failures must never
// block or fail alert creation.
type Sink interface {
	OnAlertCreated(a *store.Alert)
}

// Manager creates alerts. A small in-process cache keyed on the alert
// identity hash short-circuits repeats without a database round trip; the
// store's transactional dedup check remains authoritative.
type Manager struct {
	cfg   *config.Config
	store *store.Store

	mu     sync.Mutex
	recent map[uint64]time.Time

	sinks []Sink
}

// NewManager builds an alert manager over the analytics store.
func NewManager(cfg *config.Config, st *store.Store) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  st,
		recent: make(map[uint64]time.Time),
	}
}

// AttachSink registers a sink for created alerts. Not safe to call after
// the manager is in use.
func (m *Manager) AttachSink(s Sink) {
	m.sinks = append(m.sinks, s)
}

func identity(a *store.Alert) uint64 {
	h := xxhash.New()
	h.WriteString(a.Type)
	h.WriteString("|")
	h.WriteString(a.ClientID)
	h.WriteString("|")
	h.WriteString(a.Domain)
	return h.Sum64()
}

// CreateIfNew persists the alert unless an alert with the same type, client
// and domain already fired within the dedup window. It returns the stored
// alert, or nil when the alert was suppressed as a duplicate.
func (m *Manager) CreateIfNew(ctx context.Context, a *store.Alert) (*store.Alert, error) {
	window := m.cfg.AlertDedupWindow.Duration
	key := identity(a)
	now := time.Now()

	m.mu.Lock()
	if at, ok := m.recent[key]; ok && now.Sub(at) < window {
		m.mu.Unlock()
		return nil, nil
	}
	m.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.Status == "" {
		a.Status = store.StatusOpen
	}

	created, err := m.store.CreateAlert(ctx, a, window)
	if err != nil {
		return nil, err
	}
	if !created {
		// Another process (or a pre-restart run) already holds the slot.
		m.remember(key, now)
		return nil, nil
	}

	m.remember(key, now)

	zlog.Info("Alert created", "id", a.ID, "type", a.Type,
		"severity", a.Severity, "client", a.ClientID, "domain", a.Domain)

	for _, s := range m.sinks {
		s.OnAlertCreated(a)
	}

	return a, nil
}

func (m *Manager) remember(key uint64, at time.Time) {
	window := m.cfg.AlertDedupWindow.Duration

	m.mu.Lock()
	defer m.mu.Unlock()

	m.recent[key] = at

	if len(m.recent) > 4096 {
		for k, t := range m.recent {
			if at.Sub(t) >= window {
				delete(m.recent, k)
			}
		}
	}
}
