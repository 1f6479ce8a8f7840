package tools

import (
	"fmt"
	"sync"
)

// staticRiskTable maps "tool/operation" to its default tier. The table is
// the baseline; session overrides and tool hints refine it.
var staticRiskTable = map[string]RiskTier{
	"filesystem/read":   RiskLow,
	"filesystem/list":   RiskLow,
	"filesystem/search": RiskLow,
	"filesystem/write":  RiskMedium,
	"git/status":        RiskLow,
	"git/log":           RiskLow,
	"git/diff":          RiskLow,
	"git/commit":        RiskMedium,
	"exec/run":          RiskHigh,
}

// Classifier assigns risk tiers to invocations. Resolution order: session
// overrides, the static table, the tool's own hint, and finally high for
// anything unrecognized.
type Classifier struct {
	mu        sync.RWMutex
	overrides map[string]RiskTier
}

// NewClassifier creates a classifier with no session overrides.
func NewClassifier() *Classifier {
	return &Classifier{overrides: make(map[string]RiskTier)}
}

// SetOverride raises or lowers the tier for a tool/operation pair for the
// rest of the session.
func (c *Classifier) SetOverride(tool, operation string, tier RiskTier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[tool+"/"+operation] = tier
}

// Classify returns the risk assessment for an invocation against its tool.
// The tool may be nil when the invocation names an unknown tool.
func (c *Classifier) Classify(inv *Invocation, tool Tool) RiskAssessment {
	key := inv.Tool + "/" + inv.Operation

	c.mu.RLock()
	tier, ok := c.overrides[key]
	c.mu.RUnlock()
	if ok {
		return RiskAssessment{
			Tier:   tier,
			Reason: fmt.Sprintf("session override for %s", key),
			Source: "override",
		}
	}

	if tier, ok := staticRiskTable[key]; ok {
		return RiskAssessment{
			Tier:   tier,
			Reason: fmt.Sprintf("static classification for %s", key),
			Source: "static",
		}
	}

	if tool != nil {
		for _, op := range tool.Operations() {
			if op.Name == inv.Operation && op.RiskHint != "" {
				return RiskAssessment{
					Tier:   op.RiskHint,
					Reason: fmt.Sprintf("tool hint for %s", key),
					Source: "hint",
				}
			}
		}
	}

	// Unknown operations get the most cautious tier
	return RiskAssessment{
		Tier:   RiskHigh,
		Reason: fmt.Sprintf("no classification for %s", key),
		Source: "unknown",
	}
}
