package memory

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Weights are the search scoring weights. The zero value is unusable; use
// DefaultWeights or the configured values.
type Weights struct {
	Recency float64
	Kind    float64
	Tags    float64
	Lex     float64
}

// DefaultWeights matches the documented configuration defaults.
var DefaultWeights = Weights{Recency: 0.4, Kind: 0.2, Tags: 0.2, Lex: 0.2}

// DefaultTau is the default recency decay constant.
const DefaultTau = 7 * 24 * time.Hour

// SearchQuery selects and ranks entries.
type SearchQuery struct {
	Query string
	Limit int
	Kinds []Kind
	Tags  []string
}

// kindPriority orders kinds by how much weight they carry in ranking:
// decisions and failures are the records agents most need back.
var kindPriority = map[Kind]float64{
	KindDecision:        1.0,
	KindFailure:         0.9,
	KindTaskResult:      0.8,
	KindSessionSummary:  0.7,
	KindContextNote:     0.5,
	KindToolObservation: 0.4,
}

// Search ranks candidate entries by the weighted sum of recency, kind
// priority, tag overlap, and lexical overlap. Ties break by newer
// created_at, then id.
func (s *Store) Search(q SearchQuery, w Weights, tau time.Duration) []Entry {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if tau <= 0 {
		tau = DefaultTau
	}

	queryTokens := tokenize(q.Query)
	queryTags := append([]string(nil), q.Tags...)
	// Query words double as tag candidates so "python" finds python-tagged
	// entries without an explicit tag filter.
	queryTags = append(queryTags, queryTokens...)

	candidates := s.List(ListQuery{Limit: 1 << 30, Kinds: q.Kinds, Tags: q.Tags})

	now := nowMs()
	type scored struct {
		entry Entry
		score float64
	}
	results := make([]scored, 0, len(candidates))
	for _, e := range candidates {
		age := time.Duration(now-e.CreatedAt) * time.Millisecond
		if age < 0 {
			age = 0
		}
		recency := math.Exp(-age.Seconds() / tau.Seconds())

		score := w.Recency*recency +
			w.Kind*kindPriority[e.Kind] +
			w.Tags*tagOverlap(queryTags, e.Tags) +
			w.Lex*lexicalOverlap(queryTokens, e.Content)
		results = append(results, scored{entry: e, score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		if results[i].entry.CreatedAt != results[j].entry.CreatedAt {
			return results[i].entry.CreatedAt > results[j].entry.CreatedAt
		}
		return results[i].entry.ID < results[j].entry.ID
	})

	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	out := make([]Entry, len(results))
	for i, r := range results {
		out[i] = r.entry
	}
	return out
}

// tagOverlap is the fraction of query tags present on the entry.
func tagOverlap(queryTags, entryTags []string) float64 {
	if len(queryTags) == 0 || len(entryTags) == 0 {
		return 0
	}
	have := make(map[string]bool, len(entryTags))
	for _, t := range entryTags {
		have[strings.ToLower(t)] = true
	}
	matched := 0
	for _, t := range queryTags {
		if have[strings.ToLower(t)] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTags))
}

// lexicalOverlap is a token-set cosine between the query and the entry
// content.
func lexicalOverlap(queryTokens []string, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	contentTokens := tokenize(content)
	if len(contentTokens) == 0 {
		return 0
	}

	qset := make(map[string]bool, len(queryTokens))
	for _, t := range queryTokens {
		qset[t] = true
	}
	cset := make(map[string]bool, len(contentTokens))
	for _, t := range contentTokens {
		cset[t] = true
	}

	common := 0
	for t := range qset {
		if cset[t] {
			common++
		}
	}
	if common == 0 {
		return 0
	}
	return float64(common) / (math.Sqrt(float64(len(qset))) * math.Sqrt(float64(len(cset))))
}

// stopWords excluded from lexical matching.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "how": true,
	"in": true, "is": true, "it": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "this": true, "to": true, "was": true,
	"what": true, "when": true, "where": true, "which": true, "with": true,
}

// tokenize lowercases, splits on non-alphanumerics, and strips stop words.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
