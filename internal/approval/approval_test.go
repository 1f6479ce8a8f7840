package approval

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStats struct {
	approvals map[string]int
	denials   map[string]int
	recorded  []string
	err       error
}

func newFakeStats() *fakeStats {
	return &fakeStats{
		approvals: make(map[string]int),
		denials:   make(map[string]int),
	}
}

func (f *fakeStats) RuleStats(ctx context.Context, key string) (int, int, error) {
	return f.approvals[key], f.denials[key], f.err
}

func (f *fakeStats) RecordRuleOutcome(ctx context.Context, key string, approved bool) error {
	if approved {
		f.approvals[key]++
		f.recorded = append(f.recorded, key+":approve")
	} else {
		f.denials[key]++
		f.recorded = append(f.recorded, key+":deny")
	}
	return nil
}

func alwaysSink(approve bool) Sink {
	return SinkFunc(func(ctx context.Context, req Request) (Answer, error) {
		if approve {
			return AnswerYes, nil
		}
		return AnswerNo, nil
	})
}

func answerSink(answer Answer) Sink {
	return SinkFunc(func(ctx context.Context, req Request) (Answer, error) {
		return answer, nil
	})
}

func hangingSink() Sink {
	return SinkFunc(func(ctx context.Context, req Request) (Answer, error) {
		<-ctx.Done()
		return AnswerNo, ctx.Err()
	})
}

func TestRuleKey(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			"no params",
			Request{Tool: "git", Operation: "status"},
			"git/status",
		},
		{
			"params sorted by name",
			Request{Tool: "filesystem", Operation: "write", Params: map[string]interface{}{
				"path":    "/tmp/a",
				"content": "x",
			}},
			"filesystem/write[content,path]",
		},
		{
			"same shape different values",
			Request{Tool: "filesystem", Operation: "write", Params: map[string]interface{}{
				"content": "y",
				"path":    "/tmp/b",
			}},
			"filesystem/write[content,path]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RuleKey(tt.req); got != tt.want {
				t.Errorf("RuleKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLowRiskAutoApproved(t *testing.T) {
	e := NewEngine(DefaultConfig())

	d, err := e.Decide(context.Background(), Request{Tool: "git", Operation: "status", Risk: RiskLow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeAutoApproved || d.Source != SourceStaticDefault {
		t.Errorf("expected auto-approved/static-default, got %s/%s", d.Outcome, d.Source)
	}
	if !d.Approved() {
		t.Error("auto-approved must count as approved")
	}
}

func TestMediumRiskRespectsConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoApproveMedium = true
	e := NewEngine(cfg)

	d, err := e.Decide(context.Background(), Request{Tool: "filesystem", Operation: "write", Risk: RiskMedium})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeAutoApproved {
		t.Errorf("expected auto-approved with AutoApproveMedium, got %s", d.Outcome)
	}
}

func TestMediumAutoApprovalsFeedHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoApproveMedium = true
	stats := newFakeStats()
	e := NewEngine(cfg, WithRuleStats(stats))

	for i := 0; i < 3; i++ {
		if _, err := e.Decide(context.Background(), Request{Tool: "filesystem", Operation: "write", Risk: RiskMedium}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if stats.approvals["filesystem/write"] != 3 {
		t.Errorf("expected 3 recorded approvals, got %d", stats.approvals["filesystem/write"])
	}
}

func TestHighRiskPromptsInteractively(t *testing.T) {
	e := NewEngine(DefaultConfig(), WithSink(alwaysSink(true)))

	d, err := e.Decide(context.Background(), Request{Tool: "exec", Operation: "run", Risk: RiskHigh})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeApproved || d.Source != SourceInteractive {
		t.Errorf("expected approved/interactive, got %s/%s", d.Outcome, d.Source)
	}
}

func TestNoSinkDeniesRiskyRequests(t *testing.T) {
	e := NewEngine(DefaultConfig())

	d, err := e.Decide(context.Background(), Request{Tool: "exec", Operation: "run", Risk: RiskHigh})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeDenied {
		t.Errorf("headless high-risk request must be denied, got %s", d.Outcome)
	}
}

func TestPromptTimeoutIsRecordedDistinctly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	stats := newFakeStats()
	e := NewEngine(cfg, WithSink(hangingSink()), WithRuleStats(stats))

	d, err := e.Decide(context.Background(), Request{Tool: "exec", Operation: "run", Risk: RiskHigh})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeTimedOut {
		t.Errorf("expected timed-out, got %s", d.Outcome)
	}
	if d.Approved() {
		t.Error("timed-out must deny")
	}
	if len(stats.recorded) != 0 {
		t.Error("timeouts must not feed learned rule history")
	}
}

func TestSessionRuleOutranksEverything(t *testing.T) {
	stats := newFakeStats()
	key := "exec/run"
	stats.approvals[key] = 100 // learned history says approve
	e := NewEngine(DefaultConfig(), WithSink(alwaysSink(true)), WithRuleStats(stats))
	e.SetSessionRule(key, false)

	d, err := e.Decide(context.Background(), Request{Tool: "exec", Operation: "run", Risk: RiskHigh})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeDenied || d.Source != SourceSessionRule {
		t.Errorf("expected denied/session-rule, got %s/%s", d.Outcome, d.Source)
	}
}

func TestLearnedRuleAutoApproves(t *testing.T) {
	stats := newFakeStats()
	key := "filesystem/write"
	stats.approvals[key] = 9
	stats.denials[key] = 1
	// Sink would deny; the learned rule must win first
	e := NewEngine(DefaultConfig(), WithSink(alwaysSink(false)), WithRuleStats(stats))

	d, err := e.Decide(context.Background(), Request{Tool: "filesystem", Operation: "write", Risk: RiskMedium})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeAutoApproved || d.Source != SourceLearnedRule {
		t.Errorf("expected auto-approved/learned-rule, got %s/%s", d.Outcome, d.Source)
	}
}

func TestLearnedRuleNeedsMinSamples(t *testing.T) {
	stats := newFakeStats()
	stats.approvals["exec/run"] = 2 // perfect ratio, too few samples
	e := NewEngine(DefaultConfig(), WithSink(alwaysSink(false)), WithRuleStats(stats))

	d, err := e.Decide(context.Background(), Request{Tool: "exec", Operation: "run", Risk: RiskHigh})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Source != SourceInteractive {
		t.Errorf("thin history must fall through to the prompt, got %s", d.Source)
	}
}

func TestInteractiveDecisionsFeedHistory(t *testing.T) {
	stats := newFakeStats()
	e := NewEngine(DefaultConfig(), WithSink(alwaysSink(true)), WithRuleStats(stats))

	if _, err := e.Decide(context.Background(), Request{Tool: "exec", Operation: "run", Risk: RiskHigh}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.approvals["exec/run"] != 1 {
		t.Error("explicit approval not recorded in rule history")
	}
}

func TestAlwaysAnswerCreatesSessionRule(t *testing.T) {
	stats := newFakeStats()
	prompts := 0
	sink := SinkFunc(func(ctx context.Context, req Request) (Answer, error) {
		prompts++
		return AnswerAlways, nil
	})
	e := NewEngine(DefaultConfig(), WithSink(sink), WithRuleStats(stats))
	req := Request{Tool: "exec", Operation: "run", Risk: RiskHigh}

	d, err := e.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Approved() || d.Source != SourceInteractive {
		t.Fatalf("expected approved/interactive, got %s/%s", d.Outcome, d.Source)
	}
	if stats.approvals["exec/run"] != 1 {
		t.Error("always answer should feed rule history")
	}

	// The second identical request resolves from the session rule.
	d, err = e.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Source != SourceSessionRule || !d.Approved() {
		t.Errorf("expected approved/session-rule, got %s/%s", d.Outcome, d.Source)
	}
	if prompts != 1 {
		t.Errorf("expected 1 prompt, got %d", prompts)
	}
}

func TestNeverAnswerCreatesSessionRule(t *testing.T) {
	e := NewEngine(DefaultConfig(), WithSink(answerSink(AnswerNever)))
	req := Request{Tool: "exec", Operation: "run", Risk: RiskHigh}

	d, err := e.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Approved() {
		t.Fatal("never answer must deny")
	}

	d, err = e.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Source != SourceSessionRule || d.Approved() {
		t.Errorf("expected denied/session-rule, got %s/%s", d.Outcome, d.Source)
	}
}

func TestStatsFailureFallsThrough(t *testing.T) {
	stats := newFakeStats()
	stats.err = errors.New("db unavailable")
	e := NewEngine(DefaultConfig(), WithSink(alwaysSink(true)), WithRuleStats(stats))

	d, err := e.Decide(context.Background(), Request{Tool: "exec", Operation: "run", Risk: RiskHigh})
	if err != nil {
		t.Fatalf("stats failure must not fail the decision: %v", err)
	}
	if d.Source != SourceInteractive {
		t.Errorf("expected fall-through to prompt, got %s", d.Source)
	}
}

func TestRecorderSeesEveryDecision(t *testing.T) {
	var seen []Decision
	e := NewEngine(DefaultConfig(), WithRecorder(func(req Request, d Decision) {
		seen = append(seen, d)
	}))

	e.Decide(context.Background(), Request{Tool: "git", Operation: "status", Risk: RiskLow})
	e.Decide(context.Background(), Request{Tool: "exec", Operation: "run", Risk: RiskHigh})

	if len(seen) != 2 {
		t.Fatalf("expected 2 recorded decisions, got %d", len(seen))
	}
	if seen[0].Outcome != OutcomeAutoApproved || seen[1].Outcome != OutcomeDenied {
		t.Errorf("unexpected outcomes: %s, %s", seen[0].Outcome, seen[1].Outcome)
	}
	if seen[0].RuleKey != "git/status" {
		t.Errorf("rule key missing from recorded decision: %q", seen[0].RuleKey)
	}
}
