// Package tools provides the tool registry, risk classification, and
// dispatch layer for CodePilot. Tools declare their operations and
// parameter schemas; the dispatcher routes invocations through risk
// classification and approval before execution.
package tools

import (
	"context"
	"time"
)

// RiskTier buckets an invocation by how much damage it can do.
type RiskTier string

const (
	// RiskLow operations are read-only or trivially reversible.
	RiskLow RiskTier = "low"
	// RiskMedium operations mutate workspace state reversibly.
	RiskMedium RiskTier = "medium"
	// RiskHigh operations run arbitrary code or are hard to undo.
	RiskHigh RiskTier = "high"
)

// Status is the terminal state of a tool invocation.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
)

// ParamSpec describes one parameter of a tool operation.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "number", "boolean"
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// OperationSpec describes one operation a tool exposes.
type OperationSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params,omitempty"`
	// RiskHint is the tool author's tier suggestion, used when the
	// classifier has no static entry or session override.
	RiskHint RiskTier `json:"risk_hint"`
}

// Tool is the contract every executable tool implements.
type Tool interface {
	// Name returns the tool identifier, e.g. "filesystem".
	Name() string

	// Description explains the tool for the model's tool listing.
	Description() string

	// Operations enumerates what the tool can do.
	Operations() []OperationSpec

	// Execute runs one invocation. Implementations return a Result even
	// on failure; the error return is for infrastructure faults only.
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// Undoer is implemented by tools whose operations can be reversed with the
// UndoToken they returned.
type Undoer interface {
	// Undo reverses a previous operation identified by token.
	Undo(ctx context.Context, token string) error
}

// Invocation is one requested tool call.
type Invocation struct {
	ID        string                 `json:"id"`
	TurnID    string                 `json:"turn_id,omitempty"`
	Tool      string                 `json:"tool"`
	Operation string                 `json:"operation"`
	Params    map[string]interface{} `json:"params,omitempty"`
	// Resource names what the invocation touches (a file path, a repo).
	// Invocations sharing a resource are serialized; disjoint resources
	// run in parallel.
	Resource string `json:"resource,omitempty"`
}

// StringParam returns a string parameter, or "" when absent.
func (inv *Invocation) StringParam(name string) string {
	v, _ := inv.Params[name].(string)
	return v
}

// BoolParam returns a boolean parameter, or false when absent.
func (inv *Invocation) BoolParam(name string) bool {
	v, _ := inv.Params[name].(bool)
	return v
}

// Result is the outcome of one invocation.
type Result struct {
	InvocationID string        `json:"invocation_id"`
	Status       Status        `json:"status"`
	Output       string        `json:"output,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	// UndoToken, when set, identifies how the operation can be reversed
	// (a backup file path, a commit hash).
	UndoToken string                 `json:"undo_token,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Succeeded reports whether the invocation completed normally.
func (r *Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// RiskAssessment is the classifier's verdict on an invocation.
type RiskAssessment struct {
	Tier   RiskTier `json:"tier"`
	Reason string   `json:"reason"`
	// Source names which layer decided: "override", "static", "hint",
	// or "unknown".
	Source string `json:"source"`
}
