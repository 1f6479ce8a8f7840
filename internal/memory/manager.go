package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ManagerConfig tunes the memory manager.
type ManagerConfig struct {
	// SessionCapacity bounds the in-process session store.
	SessionCapacity int
	// PromotionThreshold is the importance score at which records are
	// mirrored to the durable store.
	PromotionThreshold float64
	// ContextTopK is how many durable records a context bundle includes.
	ContextTopK int
	// ContextBudget caps the context bundle in estimated tokens.
	ContextBudget int
	// RetentionDays drives periodic pruning of low-value records.
	RetentionDays int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SessionCapacity:    DefaultSessionCapacity,
		PromotionThreshold: 0.6,
		ContextTopK:        5,
		ContextBudget:      2000,
		RetentionDays:      30,
	}
}

// Manager coordinates the session and durable memory layers. Durable store
// failures degrade gracefully: the record stays in session memory, the write
// is queued, and the next successful write flushes the queue. Session store
// writes cannot fail.
type Manager struct {
	session *SessionStore
	durable DurableStore
	config  ManagerConfig

	mu         sync.Mutex
	writeQueue []*Record
}

// NewManager creates a memory manager. The durable store may be nil, in
// which case nothing is persisted across sessions.
func NewManager(durable DurableStore, cfg ManagerConfig) *Manager {
	if cfg.SessionCapacity <= 0 {
		cfg.SessionCapacity = DefaultSessionCapacity
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = 0.6
	}
	if cfg.ContextTopK <= 0 {
		cfg.ContextTopK = 5
	}
	return &Manager{
		session: NewSessionStore(cfg.SessionCapacity),
		durable: durable,
		config:  cfg,
	}
}

// Session exposes the session store for direct reads.
func (m *Manager) Session() *SessionStore {
	return m.session
}

// Remember stores a record in session memory and mirrors it to the durable
// store when its kind or importance warrants. A zero importance is scored
// from the kind and content.
func (m *Manager) Remember(ctx context.Context, rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.AccessedAt.IsZero() {
		rec.AccessedAt = now
	}
	if rec.Importance == 0 {
		rec.Importance = ScoreImportance(rec.Kind, rec.Content)
	}

	m.session.Add(rec)

	if !m.shouldPersist(rec) {
		return
	}
	m.persist(ctx, rec)
}

func (m *Manager) shouldPersist(rec *Record) bool {
	if m.durable == nil {
		return false
	}
	return rec.Kind.DurableByDefault() || rec.Importance >= m.config.PromotionThreshold
}

// persist writes the record durably, flushing any previously queued writes
// first. Failures are logged and queued, never surfaced to the turn.
func (m *Manager) persist(ctx context.Context, rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := m.writeQueue
	m.writeQueue = nil

	for _, r := range append(queued, rec) {
		if err := m.durable.Store(ctx, r); err != nil {
			log.Warn().Err(err).Str("record_id", r.ID).Str("kind", string(r.Kind)).
				Msg("durable memory write failed, queued for retry")
			m.writeQueue = append(m.writeQueue, r)
		}
	}
}

// QueuedWrites returns how many durable writes are waiting for retry.
func (m *Manager) QueuedWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writeQueue)
}

// Recall queries the durable store directly.
func (m *Manager) Recall(ctx context.Context, f Filter) ([]*Record, error) {
	if m.durable == nil {
		return nil, nil
	}
	return m.durable.Query(ctx, f)
}

// Prune applies the configured retention policy to the durable store.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	if m.durable == nil || m.config.RetentionDays <= 0 {
		return 0, nil
	}
	return m.durable.Prune(ctx, PrunePolicy{
		MaxAge:        time.Duration(m.config.RetentionDays) * 24 * time.Hour,
		MinImportance: m.config.PromotionThreshold,
	})
}

// Close releases the durable store.
func (m *Manager) Close() error {
	if m.durable == nil {
		return nil
	}
	return m.durable.Close()
}
