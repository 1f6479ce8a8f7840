package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RedClaus/codepilot/internal/llm"
	"github.com/RedClaus/codepilot/internal/memory"
	"github.com/RedClaus/codepilot/internal/tools"
)

// fakeGenerator returns scripted responses in order.
type fakeGenerator struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error
	calls     int
	requests  []*llm.ChatRequest
	block     chan struct{} // when set, Generate blocks until closed
}

func (f *fakeGenerator) next(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &llm.ChatResponse{Content: "done"}, nil
}

func (f *fakeGenerator) Generate(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return f.next(ctx, req)
}

func (f *fakeGenerator) Stream(ctx context.Context, req *llm.ChatRequest, onToken func(string)) (*llm.ChatResponse, error) {
	resp, err := f.next(ctx, req)
	if err == nil && onToken != nil {
		for _, word := range strings.Fields(resp.Content) {
			onToken(word)
		}
	}
	return resp, err
}

// echoTool records invocations and returns a canned payload.
type echoTool struct {
	mu       sync.Mutex
	executed []*tools.Invocation
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes its input" }

func (e *echoTool) Operations() []tools.OperationSpec {
	return []tools.OperationSpec{
		{
			Name:        "say",
			Description: "Echo the text parameter",
			Params:      []tools.ParamSpec{{Name: "text", Type: "string", Required: true}},
			RiskHint:    tools.RiskLow,
		},
		{
			Name:        "fail",
			Description: "Always fails",
			RiskHint:    tools.RiskLow,
		},
	}
}

func (e *echoTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	e.mu.Lock()
	e.executed = append(e.executed, inv)
	e.mu.Unlock()
	if inv.Operation == "fail" {
		return &tools.Result{Status: tools.StatusError, Error: "intentional failure"}, nil
	}
	return &tools.Result{
		Status: tools.StatusSuccess,
		Output: "echo: " + inv.StringParam("text"),
	}, nil
}

func newTestAgent(t *testing.T, gen Generator, cfg Config) (*Agent, *echoTool, *memory.Manager) {
	t.Helper()
	tool := &echoTool{}
	registry := tools.NewRegistry()
	if err := registry.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}
	dispatcher := tools.NewDispatcher(registry)
	mem := memory.NewManager(nil, memory.DefaultManagerConfig())
	return New(gen, registry, dispatcher, mem, cfg), tool, mem
}

func TestProcessSimpleAnswer(t *testing.T) {
	gen := &fakeGenerator{responses: []*llm.ChatResponse{
		{Content: "hello back"},
	}}
	agent, tool, mem := newTestAgent(t, gen, Config{})

	turn, err := agent.Process(context.Background(), "hello")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if turn.Response != "hello back" {
		t.Errorf("unexpected response: %q", turn.Response)
	}
	if turn.Failed() {
		t.Error("turn should not be failed")
	}
	if len(tool.executed) != 0 {
		t.Error("no tool calls were requested")
	}

	// Both sides of the exchange land in session memory.
	var sawUser, sawAssistant bool
	for _, r := range mem.Session().All() {
		if strings.Contains(r.Content, "user: hello") {
			sawUser = true
		}
		if strings.Contains(r.Content, "assistant: hello back") {
			sawAssistant = true
		}
	}
	if !sawUser || !sawAssistant {
		t.Error("conversation records missing from session memory")
	}
}

func TestProcessToolRoundTrip(t *testing.T) {
	gen := &fakeGenerator{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCallResult{
			{Name: "echo_say", Arguments: `{"text":"ping"}`},
		}},
		{Content: "the tool said ping"},
	}}
	agent, tool, _ := newTestAgent(t, gen, Config{})

	turn, err := agent.Process(context.Background(), "use the echo tool")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if turn.Response != "the tool said ping" {
		t.Errorf("unexpected response: %q", turn.Response)
	}
	if len(tool.executed) != 1 {
		t.Fatalf("expected 1 tool execution, got %d", len(tool.executed))
	}
	if got := tool.executed[0].StringParam("text"); got != "ping" {
		t.Errorf("arguments not decoded: %q", got)
	}
	if len(turn.Results) != 1 || turn.Results[0].Output != "echo: ping" {
		t.Errorf("results missing from turn: %+v", turn.Results)
	}

	// The second request carries the tool results back to the model.
	second := gen.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "echo: ping") {
		t.Errorf("tool output not fed back to model: %q", last.Content)
	}
	// And the first request offered tool definitions.
	if len(gen.requests[0].Tools) == 0 {
		t.Error("first request should offer tool definitions")
	}
}

func TestProcessDepthLimit(t *testing.T) {
	loop := &llm.ChatResponse{ToolCalls: []llm.ToolCallResult{
		{Name: "echo_say", Arguments: `{"text":"again"}`},
	}}
	gen := &fakeGenerator{responses: []*llm.ChatResponse{
		loop, loop, loop, loop, loop,
		{Content: "giving up gracefully"},
	}}
	agent, tool, _ := newTestAgent(t, gen, Config{MaxReasoningDepth: 2})

	turn, err := agent.Process(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if turn.Failed() {
		t.Error("hitting the depth limit is not a failure")
	}
	// Two tool rounds, then a final answer-only request.
	if len(tool.executed) != 2 {
		t.Errorf("expected 2 tool executions, got %d", len(tool.executed))
	}
	final := gen.requests[len(gen.requests)-1]
	if len(final.Tools) != 0 {
		t.Error("final request past the depth limit must not offer tools")
	}
	last := final.Messages[len(final.Messages)-1]
	if !strings.Contains(last.Content, "budget exhausted") {
		t.Errorf("model not told to wrap up: %q", last.Content)
	}
}

func TestProcessAllProvidersFailed(t *testing.T) {
	gen := &fakeGenerator{errs: []error{
		&llm.AllProvidersFailedError{Attempts: map[string]error{"ollama": errors.New("down")}},
	}}
	agent, _, mem := newTestAgent(t, gen, Config{})

	turn, err := agent.Process(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected an error")
	}
	var all *llm.AllProvidersFailedError
	if !errors.As(err, &all) {
		t.Fatalf("expected AllProvidersFailedError, got %v", err)
	}
	if !turn.Failed() {
		t.Error("turn should be in the errored state")
	}

	found := false
	for _, r := range mem.Session().All() {
		if r.Kind == memory.KindError && strings.Contains(r.Content, "turn failed") {
			found = true
		}
	}
	if !found {
		t.Error("failure should leave an error record in memory")
	}
}

func TestProcessRejectsConcurrentTurns(t *testing.T) {
	block := make(chan struct{})
	gen := &fakeGenerator{
		responses: []*llm.ChatResponse{{Content: "slow answer"}},
		block:     block,
	}
	agent, _, _ := newTestAgent(t, gen, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := agent.Process(context.Background(), "first")
		done <- err
	}()

	// Wait for the first turn to reach the generator.
	deadline := time.Now().Add(time.Second)
	for agent.State() != StateReasoning {
		if time.Now().After(deadline) {
			t.Fatal("first turn never reached reasoning")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := agent.Process(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if agent.State() != StateIdle {
		t.Errorf("agent should return to idle, got %s", agent.State())
	}
}

func TestProcessStreamDeliversTokens(t *testing.T) {
	gen := &fakeGenerator{responses: []*llm.ChatResponse{
		{Content: "streamed final answer"},
	}}
	agent, _, _ := newTestAgent(t, gen, Config{})

	var tokens []string
	turn, err := agent.ProcessStream(context.Background(), "stream it", func(tok string) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if turn.Response != "streamed final answer" {
		t.Errorf("unexpected response: %q", turn.Response)
	}
	if len(tokens) != 3 {
		t.Errorf("expected 3 tokens, got %v", tokens)
	}
}

func TestProcessCancellation(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	gen := &fakeGenerator{block: block}
	agent, _, mem := newTestAgent(t, gen, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	turn, err := agent.Process(ctx, "cancel me")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if turn.Failed() {
		t.Error("cancellation is not an errored turn")
	}

	for _, r := range mem.Session().All() {
		if r.Kind == memory.KindError {
			t.Errorf("cancellation should not record errors, got %q", r.Content)
		}
	}
}

func TestProcessLearnsPreferences(t *testing.T) {
	gen := &fakeGenerator{responses: []*llm.ChatResponse{
		{Content: "noted"},
	}}
	agent, _, mem := newTestAgent(t, gen, Config{})

	if _, err := agent.Process(context.Background(), "always use tabs for indentation"); err != nil {
		t.Fatalf("process: %v", err)
	}

	found := false
	for _, r := range mem.Session().All() {
		if r.Kind == memory.KindLearning && strings.Contains(r.Content, "user preference") {
			found = true
		}
	}
	if !found {
		t.Error("preference statements should produce a learning record")
	}
}

func TestProcessToolErrorRecorded(t *testing.T) {
	gen := &fakeGenerator{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCallResult{
			{Name: "echo_fail", Arguments: `{}`},
		}},
		{Content: "that did not work"},
	}}
	agent, _, mem := newTestAgent(t, gen, Config{})

	turn, err := agent.Process(context.Background(), "call the failing operation")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if turn.Failed() {
		t.Error("a failed tool call does not fail the turn")
	}
	if len(turn.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(turn.Results))
	}

	found := false
	for _, r := range mem.Session().All() {
		if r.Kind == memory.KindError && strings.Contains(r.Content, "echo/fail") {
			found = true
		}
	}
	if !found {
		t.Error("tool failures should leave error records")
	}
}

func TestDeriveResource(t *testing.T) {
	cases := []struct {
		tool   string
		params map[string]interface{}
		want   string
	}{
		{"filesystem", map[string]interface{}{"path": "a/b.go"}, "a/b.go"},
		{"git", nil, "workspace"},
		{"exec", map[string]interface{}{"command": "ls"}, "workspace"},
		{"echo", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.tool, func(t *testing.T) {
			if got := deriveResource(tc.tool, tc.params); got != tc.want {
				t.Errorf("deriveResource(%s) = %q, want %q", tc.tool, got, tc.want)
			}
		})
	}
}

func TestTurnRecordsPinnedUntilClose(t *testing.T) {
	gen := &fakeGenerator{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCallResult{{Name: "echo_say", Arguments: `{"text":"hi"}`}}},
		{Content: "done"},
	}}
	tool := &echoTool{}
	registry := tools.NewRegistry()
	if err := registry.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}
	dispatcher := tools.NewDispatcher(registry)

	// A one-record session store puts eviction pressure on every write.
	memCfg := memory.DefaultManagerConfig()
	memCfg.SessionCapacity = 1
	mem := memory.NewManager(nil, memCfg)
	agent := New(gen, registry, dispatcher, mem, Config{})

	if _, err := agent.Process(context.Background(), "say hi"); err != nil {
		t.Fatalf("process: %v", err)
	}

	records := mem.Session().All()
	if len(records) < 3 {
		t.Fatalf("in-flight turn records were evicted: only %d survived", len(records))
	}
	for _, r := range records {
		if r.Pinned {
			t.Errorf("record %q still pinned after the turn closed", r.Content)
		}
	}
}
