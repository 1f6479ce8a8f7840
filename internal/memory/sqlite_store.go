package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RedClaus/codepilot/internal/data"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SQLITE DURABLE STORE
// Implements DurableStore plus the learned approval rule counters
// ═══════════════════════════════════════════════════════════════════════════════

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS memory_records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		importance REAL NOT NULL,
		turn_id TEXT,
		tags TEXT, -- JSON array
		pinned INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		accessed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_records_kind
		ON memory_records(kind);
	CREATE INDEX IF NOT EXISTS idx_memory_records_created
		ON memory_records(created_at);
	CREATE INDEX IF NOT EXISTS idx_memory_records_importance
		ON memory_records(importance DESC);

	CREATE TABLE IF NOT EXISTS approval_rules (
		rule_key TEXT PRIMARY KEY,
		approvals INTEGER NOT NULL DEFAULT 0,
		denials INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);
`

// SQLiteStore implements DurableStore on top of the shared data layer.
type SQLiteStore struct {
	store *data.Store
	mu    sync.RWMutex
}

// NewSQLiteStore opens (creating if needed) the durable store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	store, err := data.NewDB(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{store: store}
	if err := store.ExecSchema(context.Background(), sqliteSchema); err != nil {
		store.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}

	return s, nil
}

// Store inserts or replaces a record.
func (s *SQLiteStore) Store(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO memory_records (
			id, kind, content, importance, turn_id, tags, pinned,
			created_at, accessed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.store.DB().ExecContext(ctx, query,
		rec.ID, string(rec.Kind), rec.Content, rec.Importance,
		nullStr(rec.TurnID), string(tagsJSON), rec.Pinned,
		rec.CreatedAt, rec.AccessedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	return nil
}

// Query returns records matching the filter, most recent first.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conditions []string
	var args []interface{}

	if len(f.Kinds) > 0 {
		placeholders := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		conditions = append(conditions, "kind IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.MinImportance > 0 {
		conditions = append(conditions, "importance >= ?")
		args = append(args, f.MinImportance)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.TurnID != "" {
		conditions = append(conditions, "turn_id = ?")
		args = append(args, f.TurnID)
	}
	if f.Contains != "" {
		conditions = append(conditions, "LOWER(content) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Contains)+"%")
	}

	query := `
		SELECT id, kind, content, importance, turn_id, tags, pinned,
		       created_at, accessed_at
		FROM memory_records
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Prune removes unpinned records matching the policy. Returns how many were
// removed.
func (s *SQLiteStore) Prune(ctx context.Context, p PrunePolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conditions []string
	var args []interface{}

	conditions = append(conditions, "pinned = 0")
	if p.MaxAge > 0 {
		conditions = append(conditions, "created_at < ?")
		args = append(args, time.Now().Add(-p.MaxAge))
	}
	if p.MinImportance > 0 {
		conditions = append(conditions, "importance < ?")
		args = append(args, p.MinImportance)
	}

	if len(conditions) == 1 {
		// Nothing to match beyond the pinned guard
		return 0, nil
	}

	query := "DELETE FROM memory_records WHERE " + strings.Join(conditions, " AND ")
	result, err := s.store.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return int(n), nil
}

// Close flushes and closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.store.Close()
}

// Health reports whether the database is reachable.
func (s *SQLiteStore) Health() error {
	return s.store.Health()
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var rec Record
	var kind, tagsJSON string
	var turnID sql.NullString

	err := rows.Scan(
		&rec.ID, &kind, &rec.Content, &rec.Importance,
		&turnID, &tagsJSON, &rec.Pinned,
		&rec.CreatedAt, &rec.AccessedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}

	rec.Kind = Kind(kind)
	if turnID.Valid {
		rec.TurnID = turnID.String
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
		rec.Tags = nil
	}

	return &rec, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// LEARNED APPROVAL RULE COUNTERS
// ═══════════════════════════════════════════════════════════════════════════════

// RecordRuleOutcome increments the approval or denial counter for a rule key.
func (s *SQLiteStore) RecordRuleOutcome(ctx context.Context, ruleKey string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	column := "denials"
	if approved {
		column = "approvals"
	}

	query := fmt.Sprintf(`
		INSERT INTO approval_rules (rule_key, %s, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(rule_key) DO UPDATE SET
			%s = %s + 1,
			updated_at = excluded.updated_at
	`, column, column, column)

	_, err := s.store.DB().ExecContext(ctx, query, ruleKey, time.Now())
	if err != nil {
		return fmt.Errorf("record rule outcome: %w", err)
	}
	return nil
}

// RuleStats returns the approval and denial counts for a rule key. Both are
// zero when the key has never been seen.
func (s *SQLiteStore) RuleStats(ctx context.Context, ruleKey string) (approvals, denials int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT approvals, denials FROM approval_rules WHERE rule_key = ?`
	err = s.store.DB().QueryRowContext(ctx, query, ruleKey).Scan(&approvals, &denials)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("query rule stats: %w", err)
	}
	return approvals, denials, nil
}

// nullStr converts string to sql.NullString.
func nullStr(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  s != "",
	}
}
