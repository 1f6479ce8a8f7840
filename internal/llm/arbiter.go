package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/RedClaus/codepilot/internal/logging"
)

// HealthState describes a provider's standing with the arbiter.
type HealthState string

const (
	// Healthy providers are consulted in priority order.
	Healthy HealthState = "healthy"
	// CoolingDown providers are skipped until their cooldown elapses,
	// then re-probed with live traffic.
	CoolingDown HealthState = "cooling-down"
	// Disabled providers are out for the rest of the session
	// (authentication or malformed-request failures).
	Disabled HealthState = "disabled"
)

// ProviderDescriptor is the arbiter's view of one provider.
type ProviderDescriptor struct {
	Provider StreamingProvider
	Priority int

	mu            sync.Mutex
	state         HealthState
	failures      []time.Time // failure timestamps within the sliding window
	cooldownEnd   time.Time
	lastFailure   string // reason for the most recent failure
	lastFailureAt time.Time
}

// State returns the descriptor's current health state, resolving expired
// cooldowns.
func (d *ProviderDescriptor) State() HealthState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == CoolingDown && time.Now().After(d.cooldownEnd) {
		// Re-probe: next request is the health check.
		d.state = Healthy
		d.failures = nil
	}
	return d.state
}

// ArbiterConfig tunes retry and health tracking behavior.
type ArbiterConfig struct {
	// MaxRetries per provider for transient failures.
	MaxRetries int
	// InitialBackoff seeds the exponential backoff between retries.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Cooldown is how long a provider sits out after crossing the
	// failure threshold.
	Cooldown time.Duration
	// FailureWindow is the sliding window over which failures count.
	FailureWindow time.Duration
	// FailureThreshold is the in-window failure count that triggers cooldown.
	FailureThreshold int
}

// DefaultArbiterConfig returns sensible defaults.
func DefaultArbiterConfig() ArbiterConfig {
	return ArbiterConfig{
		MaxRetries:       2,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		Cooldown:         30 * time.Second,
		FailureWindow:    time.Minute,
		FailureThreshold: 3,
	}
}

// Arbiter owns the ordered provider list and mediates all reasoning
// requests. It retries transient failures with exponential backoff, falls
// through to the next provider on exhaustion, and tracks per-provider
// health across calls.
type Arbiter struct {
	mu          sync.RWMutex
	descriptors []*ProviderDescriptor
	config      ArbiterConfig
	log         *logging.Logger
}

// ArbiterOption configures an Arbiter.
type ArbiterOption func(*Arbiter)

// WithArbiterConfig overrides the default configuration.
func WithArbiterConfig(cfg ArbiterConfig) ArbiterOption {
	return func(a *Arbiter) {
		a.config = cfg
	}
}

// NewArbiter creates an arbiter over providers in priority order.
func NewArbiter(providers []StreamingProvider, opts ...ArbiterOption) *Arbiter {
	a := &Arbiter{
		config: DefaultArbiterConfig(),
		log:    logging.Global().WithComponent("arbiter"),
	}
	for i, p := range providers {
		a.descriptors = append(a.descriptors, &ProviderDescriptor{
			Provider: p,
			Priority: i,
			state:    Healthy,
		})
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ProviderStatus is a point-in-time view of one provider's standing.
type ProviderStatus struct {
	State HealthState `json:"state"`
	// LastFailure is the most recent failure reason, empty when the
	// provider has never failed.
	LastFailure   string    `json:"last_failure,omitempty"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// Descriptors returns a snapshot of provider health by name.
func (a *Arbiter) Descriptors() map[string]ProviderStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]ProviderStatus, len(a.descriptors))
	for _, d := range a.descriptors {
		state := d.State()
		d.mu.Lock()
		out[d.Provider.Name()] = ProviderStatus{
			State:         state,
			LastFailure:   d.lastFailure,
			LastFailureAt: d.lastFailureAt,
		}
		d.mu.Unlock()
	}
	return out
}

// Generate sends the request to the highest-priority eligible provider,
// retrying transient failures and falling through on exhaustion. When every
// provider has been attempted it returns *AllProvidersFailedError.
func (a *Arbiter) Generate(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return a.run(ctx, req, nil)
}

// Stream is Generate with per-token delivery. Cancelling ctx stops the
// stream; cancellation is idempotent and does not count against provider
// health.
func (a *Arbiter) Stream(ctx context.Context, req *ChatRequest, onToken func(string)) (*ChatResponse, error) {
	return a.run(ctx, req, onToken)
}

func (a *Arbiter) run(ctx context.Context, req *ChatRequest, onToken func(string)) (*ChatResponse, error) {
	a.mu.RLock()
	descriptors := make([]*ProviderDescriptor, len(a.descriptors))
	copy(descriptors, a.descriptors)
	a.mu.RUnlock()

	attempts := make(map[string]error)

	for _, d := range descriptors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if d.State() != Healthy {
			continue
		}

		resp, err := a.attempt(ctx, d, req, onToken)
		if err == nil {
			d.recordSuccess()
			return resp, nil
		}

		// Caller cancellation is not a provider fault.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		class := ClassifyError(err)
		a.log.Warn("provider %s failed (%s): %v", d.Provider.Name(), class, err)
		attempts[d.Provider.Name()] = err
		d.recordFailure(err, class, a.config)
	}

	return nil, &AllProvidersFailedError{Attempts: attempts}
}

// attempt runs one provider with retry-on-transient semantics.
func (a *Arbiter) attempt(ctx context.Context, d *ProviderDescriptor, req *ChatRequest, onToken func(string)) (*ChatResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.config.InitialBackoff
	bo.MaxInterval = a.config.MaxBackoff
	bo.MaxElapsedTime = 0 // retry count is the bound, not elapsed time

	var resp *ChatResponse
	retries := 0

	operation := func() error {
		var err error
		if onToken != nil {
			resp, err = d.Provider.ChatStream(ctx, req, onToken)
		} else {
			resp, err = d.Provider.Chat(ctx, req)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !ClassifyError(err).Transient() {
			return backoff.Permanent(err)
		}
		retries++
		if retries > a.config.MaxRetries {
			return backoff.Permanent(err)
		}
		a.log.Debug("retrying %s (attempt %d/%d)", d.Provider.Name(), retries, a.config.MaxRetries)
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *ProviderDescriptor) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = nil
	if d.state == CoolingDown {
		d.state = Healthy
	}
}

func (d *ProviderDescriptor) recordFailure(err error, class ErrorClass, cfg ArbiterConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastFailure = fmt.Sprintf("%s: %v", class, err)
	d.lastFailureAt = time.Now()

	// Non-transient failures take the provider out for the session.
	if !class.Transient() {
		d.state = Disabled
		return
	}

	now := time.Now()
	cutoff := now.Add(-cfg.FailureWindow)
	kept := d.failures[:0]
	for _, t := range d.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.failures = append(kept, now)

	if len(d.failures) >= cfg.FailureThreshold {
		d.state = CoolingDown
		d.cooldownEnd = now.Add(cfg.Cooldown)
		d.failures = nil
	}
}
