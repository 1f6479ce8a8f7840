package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RedClaus/codepilot/internal/approval"
	"github.com/RedClaus/codepilot/internal/logging"
)

// Approver judges whether a risky invocation may proceed.
// *approval.Engine satisfies this.
type Approver interface {
	Decide(ctx context.Context, req approval.Request) (approval.Decision, error)
}

// Dispatcher routes invocations through classification and approval, then
// executes them with per-resource serialization. Invocations naming the
// same resource run one at a time; disjoint resources run in parallel.
type Dispatcher struct {
	registry   *Registry
	classifier *Classifier
	approver   Approver
	log        *logging.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	stats DispatchStats
}

// DispatchStats tracks dispatch outcomes.
type DispatchStats struct {
	Total     int64
	Succeeded int64
	Failed    int64
	Denied    int64
	Cancelled int64

	mu sync.Mutex
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithApprover sets the approval engine. Without one, only low-risk
// invocations run.
func WithApprover(a Approver) DispatcherOption {
	return func(d *Dispatcher) { d.approver = a }
}

// WithClassifier overrides the default classifier.
func WithClassifier(c *Classifier) DispatcherOption {
	return func(d *Dispatcher) { d.classifier = c }
}

// NewDispatcher creates a dispatcher over the registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		classifier: NewClassifier(),
		locks:      make(map[string]*sync.Mutex),
		log:        logging.Global().WithComponent("tools"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Classifier exposes the dispatcher's classifier for session overrides.
func (d *Dispatcher) Classifier() *Classifier {
	return d.classifier
}

// Dispatch runs one invocation end to end. The returned Result is never
// nil; every failure mode is encoded in its Status.
func (d *Dispatcher) Dispatch(ctx context.Context, inv *Invocation) *Result {
	start := time.Now()
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}

	result := d.dispatch(ctx, inv)
	result.InvocationID = inv.ID
	result.Duration = time.Since(start)

	d.record(result)
	d.log.Debug("dispatched %s/%s: %s (%s)", inv.Tool, inv.Operation, result.Status, result.Duration)
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, inv *Invocation) *Result {
	tool, ok := d.registry.Get(inv.Tool)
	if !ok {
		return &Result{
			Status: StatusError,
			Error:  fmt.Sprintf("unknown tool: %s", inv.Tool),
		}
	}

	risk := d.classifier.Classify(inv, tool)

	if denied := d.checkApproval(ctx, inv, risk); denied != nil {
		return denied
	}

	if err := ctx.Err(); err != nil {
		return &Result{Status: StatusCancelled, Error: err.Error()}
	}

	if inv.Resource != "" {
		lock := d.resourceLock(inv.Resource)
		lock.Lock()
		defer lock.Unlock()
	}

	return d.execute(ctx, tool, inv)
}

// checkApproval consults the approver. A nil return means the invocation
// may proceed.
func (d *Dispatcher) checkApproval(ctx context.Context, inv *Invocation, risk RiskAssessment) *Result {
	if d.approver == nil {
		if risk.Tier == RiskLow {
			return nil
		}
		return &Result{
			Status: StatusDenied,
			Error:  fmt.Sprintf("no approver configured for %s-risk invocation", risk.Tier),
		}
	}

	decision, err := d.approver.Decide(ctx, approval.Request{
		Tool:      inv.Tool,
		Operation: inv.Operation,
		Params:    inv.Params,
		Risk:      approval.Risk(risk.Tier),
		Summary:   summarize(inv, risk),
	})
	if err != nil {
		if ctx.Err() != nil {
			return &Result{Status: StatusCancelled, Error: ctx.Err().Error()}
		}
		return &Result{Status: StatusDenied, Error: fmt.Sprintf("approval failed: %v", err)}
	}
	if !decision.Approved() {
		return &Result{
			Status: StatusDenied,
			Error:  fmt.Sprintf("invocation %s by %s", decision.Outcome, decision.Source),
		}
	}
	return nil
}

// execute runs the tool with panic recovery. A panicking tool yields an
// error Result instead of taking the agent down.
func (d *Dispatcher) execute(ctx context.Context, tool Tool, inv *Invocation) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool %s panicked: %v", inv.Tool, r)
			result = &Result{
				Status: StatusError,
				Error:  fmt.Sprintf("tool panicked: %v", r),
			}
		}
	}()

	result, err := tool.Execute(ctx, inv)
	if err != nil && result == nil {
		if ctx.Err() != nil {
			return &Result{Status: StatusCancelled, Error: ctx.Err().Error()}
		}
		return &Result{Status: StatusError, Error: err.Error()}
	}
	if result == nil {
		return &Result{Status: StatusError, Error: "tool returned no result"}
	}
	return result
}

// DispatchAll runs a batch of invocations. Invocations naming the same
// resource execute sequentially in input order; disjoint resources and
// resourceless invocations run in parallel. Results come back in input order.
func (d *Dispatcher) DispatchAll(ctx context.Context, invs []*Invocation) []*Result {
	results := make([]*Result, len(invs))

	type item struct {
		idx int
		inv *Invocation
	}
	chains := make(map[string][]item)
	var resources []string

	var wg sync.WaitGroup
	for i, inv := range invs {
		if inv.Resource == "" {
			wg.Add(1)
			go func(i int, inv *Invocation) {
				defer wg.Done()
				results[i] = d.Dispatch(ctx, inv)
			}(i, inv)
			continue
		}
		if _, ok := chains[inv.Resource]; !ok {
			resources = append(resources, inv.Resource)
		}
		chains[inv.Resource] = append(chains[inv.Resource], item{i, inv})
	}

	// One goroutine per resource walks its chain in input order, so the
	// per-resource ordering is fixed before any goroutine is scheduled.
	for _, resource := range resources {
		wg.Add(1)
		go func(chain []item) {
			defer wg.Done()
			for _, it := range chain {
				results[it.idx] = d.Dispatch(ctx, it.inv)
			}
		}(chains[resource])
	}
	wg.Wait()

	return results
}

// SeedOverrides populates the classifier's session override list from
// durable approval history: operations the user has consistently approved
// drop to low risk so they run without re-prompting. History is summed over
// both rule keys an operation generalizes to, the bare key and the
// declared-parameter shape. Returns how many overrides were set.
func (d *Dispatcher) SeedOverrides(ctx context.Context, stats approval.RuleStats, minSamples int, threshold float64) int {
	if minSamples <= 0 {
		minSamples = 1
	}
	seeded := 0
	for _, name := range d.registry.Names() {
		tool, ok := d.registry.Get(name)
		if !ok {
			continue
		}
		for _, op := range tool.Operations() {
			approvals, denials := 0, 0
			for _, key := range ruleKeysFor(name, op) {
				a, n, err := stats.RuleStats(ctx, key)
				if err != nil {
					d.log.Warn("rule stats lookup failed for %s: %v", key, err)
					continue
				}
				approvals += a
				denials += n
			}
			total := approvals + denials
			if total < minSamples {
				continue
			}
			if float64(approvals)/float64(total) >= threshold {
				d.classifier.SetOverride(name, op.Name, RiskLow)
				d.log.Info("risk override seeded from history: %s/%s -> low", name, op.Name)
				seeded++
			}
		}
	}
	return seeded
}

// ruleKeysFor lists the rule keys invocations of an operation generalize to.
func ruleKeysFor(tool string, op OperationSpec) []string {
	keys := []string{approval.RuleKey(approval.Request{Tool: tool, Operation: op.Name})}
	if len(op.Params) > 0 {
		params := make(map[string]interface{}, len(op.Params))
		for _, p := range op.Params {
			params[p.Name] = true
		}
		keys = append(keys, approval.RuleKey(approval.Request{Tool: tool, Operation: op.Name, Params: params}))
	}
	return keys
}

// Stats returns a snapshot of dispatch statistics.
func (d *Dispatcher) Stats() DispatchStats {
	d.stats.mu.Lock()
	defer d.stats.mu.Unlock()
	return DispatchStats{
		Total:     d.stats.Total,
		Succeeded: d.stats.Succeeded,
		Failed:    d.stats.Failed,
		Denied:    d.stats.Denied,
		Cancelled: d.stats.Cancelled,
	}
}

func (d *Dispatcher) record(result *Result) {
	d.stats.mu.Lock()
	defer d.stats.mu.Unlock()
	d.stats.Total++
	switch result.Status {
	case StatusSuccess:
		d.stats.Succeeded++
	case StatusDenied:
		d.stats.Denied++
	case StatusCancelled:
		d.stats.Cancelled++
	default:
		d.stats.Failed++
	}
}

func (d *Dispatcher) resourceLock(resource string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()

	lock, ok := d.locks[resource]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[resource] = lock
	}
	return lock
}

func summarize(inv *Invocation, risk RiskAssessment) string {
	target := inv.Resource
	if target == "" {
		target = inv.StringParam("path")
	}
	if target == "" {
		target = inv.StringParam("command")
	}
	if target != "" {
		return fmt.Sprintf("%s %s on %s (%s risk)", inv.Tool, inv.Operation, target, risk.Tier)
	}
	return fmt.Sprintf("%s %s (%s risk)", inv.Tool, inv.Operation, risk.Tier)
}
