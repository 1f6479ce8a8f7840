package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestScoreImportance(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		content string
		want    float64
	}{
		{"learning", KindLearning, "tabs over spaces", 0.9},
		{"error", KindError, "build failed", 0.8},
		{"success", KindSuccess, "tests passed", 0.6},
		{"context", KindContext, "read main.go", 0.5},
		{"conversation", KindConversation, "hello", 0.3},
		{"preference boost", KindConversation, "I prefer table-driven tests", 0.65},
		{"boost is clamped", KindLearning, "always use gofmt", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreImportance(tt.kind, tt.content)
			if got < tt.want-0.001 || got > tt.want+0.001 {
				t.Errorf("ScoreImportance(%s) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestDurableByDefault(t *testing.T) {
	if !KindLearning.DurableByDefault() || !KindError.DurableByDefault() {
		t.Error("learning and error records must always persist")
	}
	if KindConversation.DurableByDefault() || KindContext.DurableByDefault() || KindSuccess.DurableByDefault() {
		t.Error("other kinds persist only on importance")
	}
}

func TestSessionStoreEviction(t *testing.T) {
	s := NewSessionStore(3)
	for i := 0; i < 5; i++ {
		s.Add(&Record{ID: fmt.Sprintf("r%d", i), Kind: KindConversation})
	}

	if s.Len() != 3 {
		t.Fatalf("expected 3 records after eviction, got %d", s.Len())
	}

	all := s.All()
	if all[0].ID != "r2" {
		t.Errorf("expected oldest surviving record r2, got %s", all[0].ID)
	}
}

func TestSessionStorePinnedSurvivesEviction(t *testing.T) {
	s := NewSessionStore(2)
	s.Add(&Record{ID: "keep", Kind: KindLearning})
	if !s.Pin("keep") {
		t.Fatal("pin failed")
	}
	s.Add(&Record{ID: "a", Kind: KindConversation})
	s.Add(&Record{ID: "b", Kind: KindConversation})
	s.Add(&Record{ID: "c", Kind: KindConversation})

	found := false
	for _, r := range s.All() {
		if r.ID == "keep" {
			found = true
		}
	}
	if !found {
		t.Error("pinned record was evicted")
	}
}

func TestSessionStoreRecent(t *testing.T) {
	s := NewSessionStore(10)
	for i := 0; i < 5; i++ {
		s.Add(&Record{ID: fmt.Sprintf("r%d", i)})
	}

	recent := s.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].ID != "r3" || recent[1].ID != "r4" {
		t.Errorf("expected [r3 r4], got [%s %s]", recent[0].ID, recent[1].ID)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &Record{
		ID:         "rec-1",
		Kind:       KindLearning,
		Content:    "user prefers short variable names",
		Importance: 0.9,
		TurnID:     "turn-1",
		Tags:       []string{"preference"},
		CreatedAt:  time.Now(),
		AccessedAt: time.Now(),
	}
	if err := store.Store(ctx, rec); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := store.Query(ctx, Filter{Kinds: []Kind{KindLearning}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Content != rec.Content || got[0].TurnID != "turn-1" {
		t.Errorf("round trip mismatch: %+v", got[0])
	}
	if len(got[0].Tags) != 1 || got[0].Tags[0] != "preference" {
		t.Errorf("tags not preserved: %v", got[0].Tags)
	}
}

func TestSQLiteStoreQueryFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	records := []*Record{
		{ID: "a", Kind: KindError, Content: "compile error in parser", Importance: 0.8, CreatedAt: now, AccessedAt: now},
		{ID: "b", Kind: KindSuccess, Content: "refactor landed", Importance: 0.6, CreatedAt: now, AccessedAt: now},
		{ID: "c", Kind: KindConversation, Content: "chit chat", Importance: 0.3, CreatedAt: now, AccessedAt: now},
	}
	for _, r := range records {
		if err := store.Store(ctx, r); err != nil {
			t.Fatalf("store %s: %v", r.ID, err)
		}
	}

	got, err := store.Query(ctx, Filter{MinImportance: 0.5})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("importance filter: expected 2, got %d", len(got))
	}

	got, err = store.Query(ctx, Filter{Contains: "PARSER"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("contains filter should be case-insensitive, got %v", got)
	}
}

func TestSQLiteStorePrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	records := []*Record{
		{ID: "stale", Kind: KindConversation, Content: "old", Importance: 0.3, CreatedAt: old, AccessedAt: old},
		{ID: "stale-pinned", Kind: KindConversation, Content: "old but pinned", Importance: 0.3, Pinned: true, CreatedAt: old, AccessedAt: old},
		{ID: "fresh", Kind: KindConversation, Content: "new", Importance: 0.3, CreatedAt: time.Now(), AccessedAt: time.Now()},
	}
	for _, r := range records {
		if err := store.Store(ctx, r); err != nil {
			t.Fatalf("store %s: %v", r.ID, err)
		}
	}

	n, err := store.Prune(ctx, PrunePolicy{MaxAge: 24 * time.Hour, MinImportance: 0.5})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned record, got %d", n)
	}

	got, err := store.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected pinned and fresh records to survive, got %d", len(got))
	}
}

func TestSQLiteStoreRuleCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := "filesystem/write"
	for i := 0; i < 3; i++ {
		if err := store.RecordRuleOutcome(ctx, key, true); err != nil {
			t.Fatalf("record approval: %v", err)
		}
	}
	if err := store.RecordRuleOutcome(ctx, key, false); err != nil {
		t.Fatalf("record denial: %v", err)
	}

	approvals, denials, err := store.RuleStats(ctx, key)
	if err != nil {
		t.Fatalf("rule stats: %v", err)
	}
	if approvals != 3 || denials != 1 {
		t.Errorf("expected 3/1, got %d/%d", approvals, denials)
	}

	// Unknown keys report zero without error
	approvals, denials, err = store.RuleStats(ctx, "never/seen")
	if err != nil || approvals != 0 || denials != 0 {
		t.Errorf("unknown key should report zeros, got %d/%d err=%v", approvals, denials, err)
	}
}

func TestManagerPromotion(t *testing.T) {
	durable := &fakeDurable{}
	m := NewManager(durable, DefaultManagerConfig())
	ctx := context.Background()

	m.Remember(ctx, &Record{Kind: KindConversation, Content: "hello"})
	if len(durable.stored) != 0 {
		t.Error("low importance conversation should stay session-only")
	}

	m.Remember(ctx, &Record{Kind: KindError, Content: "exec failed"})
	if len(durable.stored) != 1 {
		t.Error("error records must always persist")
	}

	m.Remember(ctx, &Record{Kind: KindConversation, Content: "always use testify for assertions"})
	if len(durable.stored) != 2 {
		t.Error("preference-boosted conversation should cross the promotion threshold")
	}

	if m.session.Len() != 3 {
		t.Errorf("all records belong in session memory, got %d", m.session.Len())
	}
}

func TestManagerDurableFailureDegradesGracefully(t *testing.T) {
	durable := &fakeDurable{failStores: 1}
	m := NewManager(durable, DefaultManagerConfig())
	ctx := context.Background()

	// First durable write fails and is queued
	m.Remember(ctx, &Record{Kind: KindError, Content: "first"})
	if m.QueuedWrites() != 1 {
		t.Fatalf("expected 1 queued write, got %d", m.QueuedWrites())
	}
	if m.session.Len() != 1 {
		t.Error("record must remain in session memory despite durable failure")
	}

	// Next write flushes the queue
	m.Remember(ctx, &Record{Kind: KindError, Content: "second"})
	if m.QueuedWrites() != 0 {
		t.Errorf("expected queue flushed, got %d", m.QueuedWrites())
	}
	if len(durable.stored) != 2 {
		t.Errorf("expected both records stored, got %d", len(durable.stored))
	}
}

func TestBuildContextRanksAndTruncates(t *testing.T) {
	durable := &fakeDurable{}
	cfg := DefaultManagerConfig()
	cfg.ContextTopK = 2
	m := NewManager(durable, cfg)
	ctx := context.Background()

	now := time.Now()
	durable.queryResult = []*Record{
		{ID: "old-important", Kind: KindLearning, Content: "lesson", Importance: 0.9, CreatedAt: now.Add(-240 * time.Hour)},
		{ID: "fresh-important", Kind: KindLearning, Content: "fresh lesson", Importance: 0.9, CreatedAt: now},
		{ID: "fresh-minor", Kind: KindSuccess, Content: "minor win", Importance: 0.6, CreatedAt: now},
	}
	m.session.Add(&Record{ID: "s1", Kind: KindConversation, Content: "hi", CreatedAt: now})

	bundle, err := m.BuildContext(ctx, "")
	if err != nil {
		t.Fatalf("build context: %v", err)
	}

	if !strings.Contains(bundle.SystemContext, "fresh lesson") {
		t.Error("highest weighted record missing from context")
	}
	// Recency weighting should prefer the fresh minor win over the
	// ten-day-old lesson
	if strings.Contains(bundle.SystemContext, "- [learning] lesson\n") {
		t.Error("stale record outranked fresh ones")
	}
	if !strings.Contains(bundle.SystemContext, "minor win") {
		t.Error("fresh record missing from context")
	}
	if !strings.Contains(bundle.SystemContext, "<session>") {
		t.Error("session records missing from context")
	}
	if bundle.TokenCount <= 0 {
		t.Error("token count not populated")
	}
}

func TestBuildContextSurvivesDurableFailure(t *testing.T) {
	durable := &fakeDurable{queryErr: errors.New("disk gone")}
	m := NewManager(durable, DefaultManagerConfig())
	m.session.Add(&Record{ID: "s1", Kind: KindConversation, Content: "hi", CreatedAt: time.Now()})

	bundle, err := m.BuildContext(context.Background(), "")
	if err != nil {
		t.Fatalf("durable failure must not fail context building: %v", err)
	}
	if !strings.Contains(bundle.SystemContext, "<session>") {
		t.Error("expected session-only context")
	}
}

func TestBuildContextRecallsPreferenceAcrossSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := NewManager(store, DefaultManagerConfig())
	first.Remember(ctx, &Record{Kind: KindLearning, Content: "user preference: I prefer spaces over tabs"})

	// A fresh manager over the same store stands in for a later session.
	second := NewManager(store, DefaultManagerConfig())
	bundle, err := second.BuildContext(ctx, "edit main.py and add a helper function")
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	if !strings.Contains(bundle.SystemContext, "spaces over tabs") {
		t.Error("promoted preference missing from a later session's context")
	}
}

func TestBuildContextPrefersKeywordMatches(t *testing.T) {
	durable := &fakeDurable{}
	cfg := DefaultManagerConfig()
	cfg.ContextTopK = 1
	m := NewManager(durable, cfg)

	now := time.Now()
	durable.queryResult = []*Record{
		{ID: "a", Kind: KindLearning, Content: "parser rewrite notes", Importance: 0.9, CreatedAt: now},
		{ID: "b", Kind: KindLearning, Content: "database migration notes", Importance: 0.9, CreatedAt: now},
	}

	bundle, err := m.BuildContext(context.Background(), "finish the database migration")
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	if !strings.Contains(bundle.SystemContext, "database migration notes") {
		t.Error("keyword-matching record missing from context")
	}
	if strings.Contains(bundle.SystemContext, "parser rewrite") {
		t.Error("unrelated record outranked the keyword match")
	}
}

func TestBuildContextDropsWeakestRecordsOverBudget(t *testing.T) {
	now := time.Now()
	old := &Record{ID: "s1", Kind: KindConversation, Content: "ancient chatter", Importance: 0.3, CreatedAt: now.Add(-72 * time.Hour)}
	mid := &Record{ID: "s2", Kind: KindContext, Content: "read the config file", Importance: 0.5, CreatedAt: now}
	cur := &Record{ID: "s3", Kind: KindConversation, Content: "current request", Importance: 0.3, CreatedAt: now}

	cfg := DefaultManagerConfig()
	// One token short of the full bundle forces exactly one drop
	cfg.ContextBudget = estimateTokens(renderContext(nil, []*Record{old, mid, cur})) - 1
	m := NewManager(nil, cfg)
	for _, r := range []*Record{old, mid, cur} {
		m.session.Add(r)
	}

	bundle, err := m.BuildContext(context.Background(), "")
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	if strings.Contains(bundle.SystemContext, "ancient chatter") {
		t.Error("oldest low-importance record should be dropped first")
	}
	if !strings.Contains(bundle.SystemContext, "current request") {
		t.Error("the current input must never be truncated away")
	}
	if len(bundle.Records) != 2 {
		t.Fatalf("expected 2 surviving records, got %d", len(bundle.Records))
	}
	if bundle.Records[0].ID != "s2" || bundle.Records[1].ID != "s3" {
		t.Errorf("records disagree with rendered text: %s, %s", bundle.Records[0].ID, bundle.Records[1].ID)
	}
	if bundle.TokenCount > cfg.ContextBudget {
		t.Errorf("bundle exceeds budget: %d > %d", bundle.TokenCount, cfg.ContextBudget)
	}
}

// fakeDurable is an in-memory DurableStore for manager tests.
type fakeDurable struct {
	stored      []*Record
	queryResult []*Record
	queryErr    error
	failStores  int
}

func (f *fakeDurable) Store(ctx context.Context, rec *Record) error {
	if f.failStores > 0 {
		f.failStores--
		return errors.New("store unavailable")
	}
	f.stored = append(f.stored, rec)
	return nil
}

func (f *fakeDurable) Query(ctx context.Context, filter Filter) ([]*Record, error) {
	return f.queryResult, f.queryErr
}

func (f *fakeDurable) Prune(ctx context.Context, p PrunePolicy) (int, error) {
	return 0, nil
}

func (f *fakeDurable) Close() error { return nil }

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
