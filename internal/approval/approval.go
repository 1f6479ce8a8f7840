// Package approval decides whether risky tool invocations may proceed.
// Decisions follow a fixed precedence: explicit session rules, learned
// rules with enough supporting history, static tier defaults, and finally
// an interactive prompt with a timeout that counts as denial.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RedClaus/codepilot/internal/logging"
)

// Risk mirrors the tool risk tiers.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Outcome is the result of an approval decision.
type Outcome string

const (
	OutcomeApproved     Outcome = "approved"
	OutcomeDenied       Outcome = "denied"
	OutcomeAutoApproved Outcome = "auto-approved"
	// OutcomeTimedOut means the interactive prompt expired. It denies the
	// invocation but is recorded distinctly from an explicit denial.
	OutcomeTimedOut Outcome = "timed-out"
)

// Source identifies which layer of the precedence chain produced a decision.
type Source string

const (
	SourceSessionRule   Source = "session-rule"
	SourceLearnedRule   Source = "learned-rule"
	SourceStaticDefault Source = "static-default"
	SourceInteractive   Source = "interactive"
)

// Request describes the invocation being judged.
type Request struct {
	Tool      string                 `json:"tool"`
	Operation string                 `json:"operation"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Risk      Risk                   `json:"risk"`
	// Summary is a human-readable description shown by interactive sinks.
	Summary string `json:"summary,omitempty"`
}

// Decision is the engine's verdict on a request.
type Decision struct {
	Outcome   Outcome   `json:"outcome"`
	Source    Source    `json:"source"`
	RuleKey   string    `json:"rule_key"`
	DecidedAt time.Time `json:"decided_at"`
}

// Approved reports whether the invocation may proceed.
func (d Decision) Approved() bool {
	return d.Outcome == OutcomeApproved || d.Outcome == OutcomeAutoApproved
}

// Answer is an interactive sink's reply to a prompt.
type Answer string

const (
	AnswerYes Answer = "yes"
	AnswerNo  Answer = "no"
	// AnswerAlways approves and creates an allow session rule for the
	// request's rule key.
	AnswerAlways Answer = "always"
	// AnswerNever denies and creates a deny session rule for the request's
	// rule key.
	AnswerNever Answer = "never"
)

// Approves reports whether the answer lets the invocation proceed.
func (a Answer) Approves() bool {
	return a == AnswerYes || a == AnswerAlways
}

// Sink prompts the user for an interactive decision. Implementations must
// honor ctx cancellation.
type Sink interface {
	Prompt(ctx context.Context, req Request) (Answer, error)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, req Request) (Answer, error)

func (f SinkFunc) Prompt(ctx context.Context, req Request) (Answer, error) {
	return f(ctx, req)
}

// RuleStats provides durable approval history per rule key.
// *memory.SQLiteStore satisfies this.
type RuleStats interface {
	RuleStats(ctx context.Context, ruleKey string) (approvals, denials int, err error)
	RecordRuleOutcome(ctx context.Context, ruleKey string, approved bool) error
}

// Recorder observes every decision the engine makes.
type Recorder func(req Request, d Decision)

// Config tunes the engine.
type Config struct {
	// Timeout bounds the interactive prompt. Expiry denies the request.
	Timeout time.Duration
	// AutoApproveMedium approves medium-risk invocations without prompting.
	AutoApproveMedium bool
	// LearnedRuleThreshold is the approval ratio a rule key needs before
	// the engine auto-approves on history alone.
	LearnedRuleThreshold float64
	// LearnedRuleMinSamples is the minimum decision count before history
	// is trusted.
	LearnedRuleMinSamples int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:               60 * time.Second,
		AutoApproveMedium:     false,
		LearnedRuleThreshold:  0.8,
		LearnedRuleMinSamples: 5,
	}
}

// Engine implements the approval precedence chain.
type Engine struct {
	mu           sync.RWMutex
	config       Config
	sink         Sink
	stats        RuleStats
	recorder     Recorder
	sessionRules map[string]bool
	log          *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets the interactive prompt sink.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithRuleStats wires durable approval history.
func WithRuleStats(s RuleStats) Option {
	return func(e *Engine) { e.stats = s }
}

// WithRecorder sets the decision observer.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine creates an approval engine.
func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	e := &Engine{
		config:       cfg,
		sessionRules: make(map[string]bool),
		log:          logging.Global().WithComponent("approval"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RuleKey derives the generalized rule key for a request: tool, operation,
// and the shape of the parameters (names, not values), so one decision
// covers the whole class of similar invocations.
func RuleKey(req Request) string {
	if len(req.Params) == 0 {
		return req.Tool + "/" + req.Operation
	}
	names := make([]string, 0, len(req.Params))
	for name := range req.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s/%s[%s]", req.Tool, req.Operation, strings.Join(names, ","))
}

// SetSessionRule records an explicit allow or deny for a rule key, valid
// for the rest of the session. Session rules outrank everything else.
func (e *Engine) SetSessionRule(ruleKey string, allow bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionRules[ruleKey] = allow
}

// Decide runs the request through the precedence chain and records the
// decision.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	key := RuleKey(req)

	d, err := e.decide(ctx, req, key)
	d.RuleKey = key
	d.DecidedAt = time.Now()

	e.log.Debug("decision for %s: %s (%s)", key, d.Outcome, d.Source)
	if e.recorder != nil {
		e.recorder(req, d)
	}
	return d, err
}

func (e *Engine) decide(ctx context.Context, req Request, key string) (Decision, error) {
	// 1. Explicit session rules.
	e.mu.RLock()
	allow, hasRule := e.sessionRules[key]
	e.mu.RUnlock()
	if hasRule {
		if allow {
			return Decision{Outcome: OutcomeApproved, Source: SourceSessionRule}, nil
		}
		return Decision{Outcome: OutcomeDenied, Source: SourceSessionRule}, nil
	}

	// 2. Learned rules with enough history.
	if e.stats != nil {
		approvals, denials, err := e.stats.RuleStats(ctx, key)
		if err != nil {
			// History is an optimization; fall through on store trouble
			e.log.Warn("rule stats lookup failed for %s: %v", key, err)
		} else if total := approvals + denials; total >= e.config.LearnedRuleMinSamples {
			confidence := float64(approvals) / float64(total)
			if confidence >= e.config.LearnedRuleThreshold {
				return Decision{Outcome: OutcomeAutoApproved, Source: SourceLearnedRule}, nil
			}
		}
	}

	// 3. Static tier defaults.
	switch req.Risk {
	case RiskLow:
		return Decision{Outcome: OutcomeAutoApproved, Source: SourceStaticDefault}, nil
	case RiskMedium:
		if e.config.AutoApproveMedium {
			// Auto-approvals accumulate history too, so the learned rule
			// still covers this key if auto-approve is later switched off.
			if e.stats != nil {
				if err := e.stats.RecordRuleOutcome(ctx, key, true); err != nil {
					e.log.Warn("failed to record rule outcome for %s: %v", key, err)
				}
			}
			return Decision{Outcome: OutcomeAutoApproved, Source: SourceStaticDefault}, nil
		}
	}

	// 4. Interactive prompt, bounded by the timeout.
	return e.prompt(ctx, req, key)
}

func (e *Engine) prompt(ctx context.Context, req Request, key string) (Decision, error) {
	if e.sink == nil {
		return Decision{Outcome: OutcomeDenied, Source: SourceStaticDefault}, nil
	}

	promptCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	answer, err := e.sink.Prompt(promptCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(promptCtx.Err(), context.DeadlineExceeded) {
			return Decision{Outcome: OutcomeTimedOut, Source: SourceInteractive}, nil
		}
		return Decision{Outcome: OutcomeDenied, Source: SourceInteractive}, err
	}

	approved := answer.Approves()

	// Always and never answers become session rules, so the same class of
	// invocation skips the prompt for the rest of the session.
	if answer == AnswerAlways || answer == AnswerNever {
		e.SetSessionRule(key, approved)
		e.log.Info("session rule set for %s: allow=%v", key, approved)
	}

	// Explicit user choices feed the learned rule history. Timeouts do not.
	if e.stats != nil {
		if err := e.stats.RecordRuleOutcome(ctx, key, approved); err != nil {
			e.log.Warn("failed to record rule outcome for %s: %v", key, err)
		}
	}

	if approved {
		return Decision{Outcome: OutcomeApproved, Source: SourceInteractive}, nil
	}
	return Decision{Outcome: OutcomeDenied, Source: SourceInteractive}, nil
}
