package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CharsPerToken is the rough character-to-token ratio used for budgeting.
const CharsPerToken = 4

// candidateMultiplier is how many durable candidates are fetched per
// context slot before relevance ranking.
const candidateMultiplier = 8

// ContextBundle is the assembled memory context for a reasoning request.
type ContextBundle struct {
	SystemContext string    `json:"system_context"`
	Records       []*Record `json:"records,omitempty"`
	TokenCount    int       `json:"token_count"`
}

// BuildContext assembles the memory context injected into the system prompt:
// durable records ranked by keyword relevance and recency-weighted importance,
// then recent session records. Durable records are never filtered on the raw
// input text, so a promoted preference still surfaces in later sessions whose
// requests share no wording with it. Over budget, whole records are dropped
// from the lowest-value end first; the rendered text and Records always agree.
func (m *Manager) BuildContext(ctx context.Context, query string) (*ContextBundle, error) {
	var picked []*Record

	if m.durable != nil {
		durables, err := m.durable.Query(ctx, Filter{
			Limit: m.config.ContextTopK * candidateMultiplier,
		})
		if err != nil {
			// Degrade to session-only context
			log.Warn().Err(err).Msg("durable memory query failed, building session-only context")
		} else {
			picked = rankRecords(query, durables, m.config.ContextTopK)
		}
	}

	sessionRecent := m.session.Recent(m.config.ContextTopK)

	if budget := m.config.ContextBudget; budget > 0 {
		for len(picked)+len(sessionRecent) > 0 &&
			estimateTokens(renderContext(picked, sessionRecent)) > budget {
			picked, sessionRecent = dropWeakest(picked, sessionRecent)
		}
	}

	text := renderContext(picked, sessionRecent)

	bundle := &ContextBundle{
		SystemContext: text,
		Records:       append(picked, sessionRecent...),
		TokenCount:    estimateTokens(text),
	}

	log.Debug().
		Int("tokens", bundle.TokenCount).
		Int("durable", len(picked)).
		Int("session", len(sessionRecent)).
		Msg("memory context built")

	return bundle, nil
}

// renderContext formats the picked durable and recent session records.
func renderContext(picked, sessionRecent []*Record) string {
	var sb strings.Builder

	if len(picked) > 0 {
		sb.WriteString("<remembered>\n")
		for _, r := range picked {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", r.Kind, r.Content))
		}
		sb.WriteString("</remembered>\n\n")
	}

	if len(sessionRecent) > 0 {
		sb.WriteString("<session>\n")
		for _, r := range sessionRecent {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", r.Kind, r.Content))
		}
		sb.WriteString("</session>\n")
	}

	return sb.String()
}

// rankRecords orders records by keyword relevance to the query combined with
// recency-weighted importance, keeping the top k. A record sharing no keywords
// with the query still competes on importance alone, so high-value records
// such as user preferences surface for unrelated requests. Ties break on
// record ID so ranking is deterministic.
func rankRecords(query string, records []*Record, k int) []*Record {
	type scored struct {
		rec    *Record
		weight float64
	}

	keywords := queryKeywords(query)
	now := time.Now()
	scoredRecs := make([]scored, 0, len(records))
	for _, r := range records {
		weight := recencyWeight(r, now) * (1 + keywordOverlap(keywords, r.Content))
		scoredRecs = append(scoredRecs, scored{rec: r, weight: weight})
	}

	sort.Slice(scoredRecs, func(i, j int) bool {
		if scoredRecs[i].weight != scoredRecs[j].weight {
			return scoredRecs[i].weight > scoredRecs[j].weight
		}
		return scoredRecs[i].rec.ID < scoredRecs[j].rec.ID
	})

	if k > len(scoredRecs) {
		k = len(scoredRecs)
	}
	out := make([]*Record, k)
	for i := 0; i < k; i++ {
		out[i] = scoredRecs[i].rec
	}
	return out
}

// recencyWeight discounts a record's importance by its age in days.
func recencyWeight(r *Record, now time.Time) float64 {
	ageDays := now.Sub(r.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return r.Importance / (1 + ageDays)
}

// stopwords are query words too common to signal relevance.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "into": {}, "you": {}, "are": {}, "can": {}, "please": {},
}

// queryKeywords extracts the lowercase content words of a query.
func queryKeywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var keywords []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		keywords = append(keywords, f)
	}
	return keywords
}

// keywordOverlap returns the fraction of keywords present in the content.
func keywordOverlap(keywords []string, content string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

// dropWeakest removes one record: the lowest-ranked durable pick or the
// oldest session record, whichever carries less recency-weighted importance.
// The most recent session record, which holds the current input, goes last.
func dropWeakest(picked, sessionRecent []*Record) ([]*Record, []*Record) {
	switch {
	case len(picked) == 0:
		return picked, sessionRecent[1:]
	case len(sessionRecent) == 0:
		return picked[:len(picked)-1], sessionRecent
	}

	now := time.Now()
	if recencyWeight(picked[len(picked)-1], now) <= recencyWeight(sessionRecent[0], now) {
		return picked[:len(picked)-1], sessionRecent
	}
	return picked, sessionRecent[1:]
}

// estimateTokens provides a rough token estimate.
func estimateTokens(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}
