// Package agent implements the CodePilot turn loop: perceive the input,
// reason with the provider arbiter, act through the tool dispatcher, and
// learn the outcome into memory.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RedClaus/codepilot/internal/llm"
	"github.com/RedClaus/codepilot/internal/logging"
	"github.com/RedClaus/codepilot/internal/memory"
	"github.com/RedClaus/codepilot/internal/tools"
)

// ErrBusy is returned when a turn is already in flight. The agent keeps a
// single outstanding reasoning request.
var ErrBusy = errors.New("a turn is already in progress")

const defaultSystemPrompt = `You are CodePilot, a coding assistant working inside the user's repository.
Use the available tools to read, change, and verify code. Prefer small,
verifiable steps. When you are done, summarize what changed.`

// Config tunes the agent.
type Config struct {
	// MaxReasoningDepth bounds reason/act cycles within one turn.
	MaxReasoningDepth int
	// SystemPrompt overrides the built-in prompt.
	SystemPrompt string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxReasoningDepth: 8}
}

// Generator is the reasoning backend. *llm.Arbiter satisfies this.
type Generator interface {
	Generate(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	Stream(ctx context.Context, req *llm.ChatRequest, onToken func(string)) (*llm.ChatResponse, error)
}

// Agent drives turns through the perceive, reason, act, learn cycle.
type Agent struct {
	config     Config
	generator  Generator
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	memory     *memory.Manager
	log        *logging.Logger

	mu    sync.Mutex
	state State
	busy  bool
}

// New creates an agent.
func New(generator Generator, registry *tools.Registry, dispatcher *tools.Dispatcher, mem *memory.Manager, cfg Config) *Agent {
	if cfg.MaxReasoningDepth <= 0 {
		cfg.MaxReasoningDepth = DefaultConfig().MaxReasoningDepth
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Agent{
		config:     cfg,
		generator:  generator,
		registry:   registry,
		dispatcher: dispatcher,
		memory:     mem,
		log:        logging.Global().WithComponent("agent"),
		state:      StateIdle,
	}
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Process runs one turn to completion without streaming.
func (a *Agent) Process(ctx context.Context, input string) (*Turn, error) {
	return a.run(ctx, input, nil)
}

// ProcessStream runs one turn, delivering response tokens as they arrive.
func (a *Agent) ProcessStream(ctx context.Context, input string, onToken func(string)) (*Turn, error) {
	return a.run(ctx, input, onToken)
}

func (a *Agent) run(ctx context.Context, input string, onToken func(string)) (*Turn, error) {
	a.mu.Lock()
	if a.busy {
		a.mu.Unlock()
		return nil, ErrBusy
	}
	a.busy = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.busy = false
		a.state = StateIdle
		a.mu.Unlock()
	}()

	turn := &Turn{
		ID:        uuid.New().String(),
		Input:     input,
		State:     StatePerceiving,
		StartedAt: time.Now(),
	}
	defer func() { turn.Duration = time.Since(turn.StartedAt) }()

	a.log.Turn(turn.ID, input)
	defer a.unpinTurn(turn)

	// Perceive: remember the input, assemble memory context.
	a.setState(StatePerceiving)
	a.remember(ctx, turn, &memory.Record{
		Kind:    memory.KindConversation,
		Content: "user: " + input,
	})
	bundle, err := a.memory.BuildContext(ctx, input)
	if err != nil {
		return a.fail(ctx, turn, fmt.Errorf("build context: %w", err))
	}

	messages := []llm.Message{{Role: "user", Content: input}}
	systemPrompt := a.config.SystemPrompt
	if bundle.SystemContext != "" {
		systemPrompt += "\n\n" + bundle.SystemContext
	}

	for depth := 0; ; depth++ {
		turn.Depth = depth

		req := &llm.ChatRequest{
			SystemPrompt: systemPrompt,
			Messages:     messages,
		}
		// Past the depth limit the model must answer with what it has
		atLimit := depth >= a.config.MaxReasoningDepth
		if !atLimit {
			req.Tools = a.registry.Definitions()
		} else {
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: "Tool budget exhausted. Answer with the information gathered so far.",
			})
			req.Messages = messages
		}

		a.setState(StateReasoning)
		var resp *llm.ChatResponse
		if onToken != nil {
			resp, err = a.generator.Stream(ctx, req, onToken)
		} else {
			resp, err = a.generator.Generate(ctx, req)
		}
		if err != nil {
			if ctx.Err() != nil {
				turn.State = StateIdle
				turn.Err = ctx.Err()
				return turn, ctx.Err()
			}
			return a.fail(ctx, turn, err)
		}

		if len(resp.ToolCalls) == 0 || atLimit {
			turn.Response = resp.Content
			break
		}

		// Act: run the requested invocations, serialized per resource.
		a.setState(StateAwaitingToolResults)
		invocations := a.buildInvocations(turn.ID, resp.ToolCalls)
		results := a.dispatcher.DispatchAll(ctx, invocations)
		turn.Results = append(turn.Results, results...)

		// Integrate: fold results into the conversation and memory.
		a.setState(StateIntegrating)
		if resp.Content != "" {
			messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})
		}
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: formatResults(invocations, results),
		})
		a.rememberResults(ctx, turn, invocations, results)

		if ctx.Err() != nil {
			turn.State = StateIdle
			turn.Err = ctx.Err()
			return turn, ctx.Err()
		}
	}

	// Learn: distill the turn.
	a.setState(StateLearning)
	a.remember(ctx, turn, &memory.Record{
		Kind:    memory.KindConversation,
		Content: "assistant: " + turn.Response,
	})
	if memory.ContainsPreference(input) {
		a.remember(ctx, turn, &memory.Record{
			Kind:    memory.KindLearning,
			Content: "user preference: " + input,
		})
	}

	turn.State = StateIdle
	return turn, nil
}

// fail marks the turn errored and records what went wrong.
func (a *Agent) fail(ctx context.Context, turn *Turn, err error) (*Turn, error) {
	a.setState(StateErrored)
	turn.State = StateErrored
	turn.Err = err

	var all *llm.AllProvidersFailedError
	if errors.As(err, &all) {
		a.log.Error("turn %s: every provider failed", turn.ID)
	} else {
		a.log.Error("turn %s failed: %v", turn.ID, err)
	}

	a.remember(ctx, turn, &memory.Record{
		Kind:    memory.KindError,
		Content: fmt.Sprintf("turn failed: %v", err),
	})
	return turn, err
}

// remember stores a turn record and pins it in session memory, so records
// belonging to the in-flight turn cannot be evicted before the turn closes.
func (a *Agent) remember(ctx context.Context, turn *Turn, rec *memory.Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.TurnID = turn.ID
	a.memory.Remember(ctx, rec)
	if a.memory.Session().Pin(rec.ID) {
		turn.pinned = append(turn.pinned, rec.ID)
	}
}

// unpinTurn releases the turn's pins once it closes, letting its records
// age out normally.
func (a *Agent) unpinTurn(turn *Turn) {
	for _, id := range turn.pinned {
		a.memory.Session().Unpin(id)
	}
	turn.pinned = nil
}

// buildInvocations converts model tool calls into dispatcher invocations.
func (a *Agent) buildInvocations(turnID string, calls []llm.ToolCallResult) []*tools.Invocation {
	invs := make([]*tools.Invocation, 0, len(calls))
	for _, call := range calls {
		toolName, operation, ok := tools.ParseCallName(call.Name)
		if !ok {
			// Let the dispatcher surface the unknown tool error
			toolName, operation = call.Name, ""
		}

		params := map[string]interface{}{}
		if call.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &params); err != nil {
				a.log.Warn("malformed tool arguments for %s: %v", call.Name, err)
			}
		}

		invs = append(invs, &tools.Invocation{
			ID:        uuid.New().String(),
			TurnID:    turnID,
			Tool:      toolName,
			Operation: operation,
			Params:    params,
			Resource:  deriveResource(toolName, params),
		})
	}
	return invs
}

// deriveResource names what an invocation touches so the dispatcher can
// serialize conflicting calls. Filesystem calls contend per path; git and
// exec contend on the whole workspace.
func deriveResource(tool string, params map[string]interface{}) string {
	if path, ok := params["path"].(string); ok && path != "" {
		return path
	}
	switch tool {
	case "git", "exec":
		return "workspace"
	}
	return ""
}

// formatResults renders tool results as a message the model can read.
func formatResults(invs []*tools.Invocation, results []*tools.Result) string {
	var sb strings.Builder
	sb.WriteString("Tool results:\n")
	for i, r := range results {
		name := "unknown"
		if i < len(invs) {
			name = invs[i].Tool + "/" + invs[i].Operation
		}
		sb.WriteString(fmt.Sprintf("[%s] %s", name, r.Status))
		if r.Error != "" {
			sb.WriteString(": " + r.Error)
		}
		sb.WriteString("\n")
		if r.Output != "" {
			sb.WriteString(r.Output + "\n")
		}
	}
	return sb.String()
}

// rememberResults stores per-invocation outcomes in memory.
func (a *Agent) rememberResults(ctx context.Context, turn *Turn, invs []*tools.Invocation, results []*tools.Result) {
	for i, r := range results {
		name := ""
		if i < len(invs) {
			name = invs[i].Tool + "/" + invs[i].Operation
		}
		switch r.Status {
		case tools.StatusSuccess:
			a.remember(ctx, turn, &memory.Record{
				Kind:    memory.KindContext,
				Content: fmt.Sprintf("%s succeeded", name),
			})
		case tools.StatusError:
			a.remember(ctx, turn, &memory.Record{
				Kind:    memory.KindError,
				Content: fmt.Sprintf("%s failed: %s", name, r.Error),
			})
		case tools.StatusDenied:
			a.remember(ctx, turn, &memory.Record{
				Kind:    memory.KindContext,
				Content: fmt.Sprintf("%s denied: %s", name, r.Error),
			})
		}
	}
}
