package memory

import (
	"math"
	"testing"
	"time"
)

func TestSearchLexicalMatch(t *testing.T) {
	s, _ := openTestStore(t)

	s.Put(Entry{Kind: KindDecision, Content: "switched auth to token rotation"})
	s.Put(Entry{Kind: KindDecision, Content: "renamed the billing module"})

	results := s.Search(SearchQuery{Query: "token rotation auth"}, DefaultWeights, DefaultTau)
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	if results[0].Content != "switched auth to token rotation" {
		t.Errorf("lexical match should rank first: %+v", results[0])
	}
}

func TestSearchTagOverlap(t *testing.T) {
	s, _ := openTestStore(t)

	s.Put(Entry{Kind: KindContextNote, Content: "note one", Tags: []string{"python", "tests"}})
	s.Put(Entry{Kind: KindContextNote, Content: "note two", Tags: []string{"docs"}})

	results := s.Search(SearchQuery{Query: "python"}, DefaultWeights, DefaultTau)
	if results[0].Tags[0] != "python" {
		t.Errorf("tag match should rank first: %+v", results[0])
	}
}

func TestSearchKindPriority(t *testing.T) {
	s, _ := openTestStore(t)

	now := nowMs()
	s.Put(Entry{Kind: KindToolObservation, Content: "unrelated alpha", CreatedAt: now})
	s.Put(Entry{Kind: KindDecision, Content: "unrelated beta", CreatedAt: now})

	// With no lexical or tag signal, kind priority decides.
	results := s.Search(SearchQuery{Query: "zzz"}, DefaultWeights, DefaultTau)
	if results[0].Kind != KindDecision {
		t.Errorf("decision should outrank tool_observation: %+v", results)
	}
}

func TestSearchRecencyDecay(t *testing.T) {
	s, _ := openTestStore(t)

	old := nowMs() - 30*24*60*60*1000 // 30 days
	s.Put(Entry{Kind: KindDecision, Content: "stale choice", CreatedAt: old})
	s.Put(Entry{Kind: KindDecision, Content: "fresh choice", CreatedAt: nowMs()})

	results := s.Search(SearchQuery{Query: "choice"}, DefaultWeights, DefaultTau)
	if results[0].Content != "fresh choice" {
		t.Errorf("recent entry should rank first: %+v", results[0])
	}
}

func TestSearchExcludesTombstones(t *testing.T) {
	s, _ := openTestStore(t)

	e, _ := s.Put(Entry{Kind: KindDecision, Content: "deleted decision"})
	s.Delete(e.ID)

	results := s.Search(SearchQuery{Query: "deleted decision"}, DefaultWeights, DefaultTau)
	for _, r := range results {
		if r.ID == e.ID {
			t.Error("tombstoned entry in search results")
		}
	}
}

func TestSearchTieBreakByNewerThenID(t *testing.T) {
	s, _ := openTestStore(t)

	ts := nowMs() - 1000
	s.Put(Entry{ID: "b", Kind: KindDecision, Content: "same text", CreatedAt: ts})
	s.Put(Entry{ID: "a", Kind: KindDecision, Content: "same text", CreatedAt: ts})

	results := s.Search(SearchQuery{Query: "same text"}, DefaultWeights, DefaultTau)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// Equal score and created_at: lexicographic id ascending.
	if results[0].ID != "a" || results[1].ID != "b" {
		t.Errorf("tie break wrong: %s then %s", results[0].ID, results[1].ID)
	}
}

func TestSearchLimit(t *testing.T) {
	s, _ := openTestStore(t)
	for i := 0; i < 30; i++ {
		s.Put(Entry{Kind: KindContextNote, Content: "note entry"})
	}
	results := s.Search(SearchQuery{Query: "note", Limit: 5}, DefaultWeights, DefaultTau)
	if len(results) != 5 {
		t.Errorf("limit ignored: %d", len(results))
	}
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("How does the Auth_Module work?")
	want := map[string]bool{"does": true, "auth_module": true, "work": true}
	if len(tokens) != len(want) {
		t.Fatalf("unexpected tokens: %v", tokens)
	}
	for _, tok := range tokens {
		if !want[tok] {
			t.Errorf("unexpected token %q", tok)
		}
	}
}

func TestLexicalOverlapCosine(t *testing.T) {
	q := tokenize("alpha beta")
	// Identical token sets give cosine 1.
	if got := lexicalOverlap(q, "alpha beta"); got < 0.99 {
		t.Errorf("expected ~1.0, got %f", got)
	}
	if got := lexicalOverlap(q, "gamma delta"); got != 0 {
		t.Errorf("disjoint sets should be 0, got %f", got)
	}
}

func TestRecencyDecayMonotonic(t *testing.T) {
	tau := DefaultTau
	day := 24 * time.Hour
	newer := math.Exp(-(1 * day).Seconds() / tau.Seconds())
	older := math.Exp(-(14 * day).Seconds() / tau.Seconds())
	if newer <= older {
		t.Errorf("decay should be monotonic: %f vs %f", newer, older)
	}
}
