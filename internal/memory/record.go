// Package memory provides the dual-layer memory system for CodePilot:
// a bounded in-process session store and a durable SQLite-backed store,
// coordinated by the Manager.
package memory

import (
	"strings"
	"time"
)

// Kind classifies what a memory record captures.
type Kind string

const (
	// KindConversation holds user and assistant messages.
	KindConversation Kind = "conversation"
	// KindContext holds working state observed during a turn (files read,
	// commands run).
	KindContext Kind = "context"
	// KindLearning holds distilled lessons and user preferences.
	KindLearning Kind = "learning"
	// KindError holds failed operations and their causes.
	KindError Kind = "error"
	// KindSuccess holds completed operations worth recalling.
	KindSuccess Kind = "success"
)

// DurableByDefault reports whether records of this kind are always mirrored
// to the durable store, regardless of their importance score.
func (k Kind) DurableByDefault() bool {
	return k == KindLearning || k == KindError
}

// Record is one unit of memory.
type Record struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"` // 0.0 to 1.0
	TurnID     string    `json:"turn_id,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Pinned     bool      `json:"pinned,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// baseImportance maps each kind to its starting score.
var baseImportance = map[Kind]float64{
	KindLearning:     0.9,
	KindError:        0.8,
	KindSuccess:      0.6,
	KindContext:      0.5,
	KindConversation: 0.3,
}

// preferenceMarkers are phrases that signal a durable user preference.
var preferenceMarkers = []string{
	"i prefer",
	"i like",
	"i want you to",
	"always use",
	"never use",
	"don't use",
	"from now on",
}

// preferenceBoost lifts preference-phrased content past the promotion
// threshold even from the lowest base score.
const preferenceBoost = 0.35

// ScoreImportance computes a record's importance from its kind and content.
// Content expressing a user preference gets a boost so it clears the
// promotion threshold.
func ScoreImportance(kind Kind, content string) float64 {
	score, ok := baseImportance[kind]
	if !ok {
		score = 0.5
	}

	if ContainsPreference(content) {
		score += preferenceBoost
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// ContainsPreference reports whether the content expresses a durable user
// preference.
func ContainsPreference(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range preferenceMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
