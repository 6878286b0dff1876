package enrich

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/truthforge/forge/internal/store/canonical"
)

func mustEnrich(t *testing.T, p Pass, text string) map[string]any {
	t.Helper()
	vals, err := p.Enrich(context.Background(), canonical.EnrichTarget{
		EntityID: "e1", Level: 5, Text: text,
	})
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	return vals
}

func TestSentimentPolarity(t *testing.T) {
	p, err := newSentiment(Deps{})
	if err != nil {
		t.Fatal(err)
	}
	pos := mustEnrich(t, p, "I love this, it is great and wonderful")
	if got := pos["textblob_polarity"].(float64); got <= 0 {
		t.Fatalf("positive text scored %v", got)
	}
	neg := mustEnrich(t, p, "terrible awful day, I hate it")
	if got := neg["textblob_polarity"].(float64); got >= 0 {
		t.Fatalf("negative text scored %v", got)
	}
	if _, err := p.Enrich(context.Background(), canonical.EnrichTarget{EntityID: "e2", Text: "!!!"}); err == nil {
		t.Fatal("expected error for unscorable text")
	}
}

func TestSentimentSubjectivity(t *testing.T) {
	p, _ := newSentiment(Deps{})
	vals := mustEnrich(t, p, "I think this is probably wrong")
	if got := vals["textblob_subjectivity"].(float64); got == 0 {
		t.Fatal("hedged sentence should be subjective")
	}
	flat := mustEnrich(t, p, "the meeting starts at noon")
	if got := flat["textblob_subjectivity"].(float64); got != 0 {
		t.Fatalf("plain statement scored subjectivity %v", got)
	}
}

func TestReadabilityMetrics(t *testing.T) {
	p, _ := newReadability(Deps{})
	vals := mustEnrich(t, p, "The cat sat on the mat. The dog ran fast.")
	if got := vals["textstat_sentence_count"].(int); got != 2 {
		t.Fatalf("sentence count = %d, want 2", got)
	}
	if got := vals["textstat_lexicon_count"].(int); got != 10 {
		t.Fatalf("word count = %d, want 10", got)
	}
	// Short monosyllabic sentences read easy.
	if got := vals["textstat_flesch_reading_ease"].(float64); got < 80 {
		t.Fatalf("flesch reading ease = %v, want easy", got)
	}
	if vals["textstat_reading_time"].(float64) <= 0 {
		t.Fatal("reading time must be positive")
	}
}

func TestCountSyllables(t *testing.T) {
	cases := map[string]int{
		"cat":       1,
		"table":     2,
		"beautiful": 3,
		"code":      1,
	}
	for word, want := range cases {
		if got := countSyllables(word); got != want {
			t.Errorf("countSyllables(%q) = %d, want %d", word, got, want)
		}
	}
}

func TestLexiconEmotion(t *testing.T) {
	p, _ := newLexiconEmotion(Deps{})
	vals := mustEnrich(t, p, "I was so afraid and worried, it was terrible")
	if got := vals["nrc_top_emotion"].(string); got != "fear" {
		t.Fatalf("top emotion = %q, want fear", got)
	}
	var freqs map[string]int
	if err := json.Unmarshal([]byte(vals["nrc_emotion_frequencies"].(string)), &freqs); err != nil {
		t.Fatal(err)
	}
	if freqs["fear"] < 2 {
		t.Fatalf("fear frequency = %d, want >= 2", freqs["fear"])
	}
	// Valence entries are counted but never win the top slot.
	if freqs["negative"] == 0 {
		t.Fatalf("negative valence not counted: %v", freqs)
	}
}

func TestKeywordsFilterStopwords(t *testing.T) {
	p, err := newKeywords(Deps{})
	if err != nil {
		t.Fatal(err)
	}
	vals := mustEnrich(t, p, "the dentist appointment is with the dentist on friday")
	if got := vals["keybert_top_keyword"].(string); got != "dentist" {
		t.Fatalf("top keyword = %q, want dentist", got)
	}
	var ranked []rankedKeyword
	if err := json.Unmarshal([]byte(vals["keybert_all_keywords"].(string)), &ranked); err != nil {
		t.Fatal(err)
	}
	for _, k := range ranked {
		if k.Keyword == "the" || k.Keyword == "is" || k.Keyword == "on" {
			t.Fatalf("stopword %q leaked into keywords", k.Keyword)
		}
	}
}

func TestTaxonomyRouting(t *testing.T) {
	p, _ := newTaxonomy(Deps{})
	cases := []struct {
		text     string
		category string
		ctype    string
	}{
		{"the doctor moved my appointment", "health", "statement"},
		{"did you pay the rent?", "finance", "question"},
		{"can you fix the server bug please", "technology", "request"},
		{"nothing special here", "general", "statement"},
	}
	for _, tc := range cases {
		vals := mustEnrich(t, p, tc.text)
		if got := vals["primary_category"].(string); got != tc.category {
			t.Errorf("%q: category = %q, want %q", tc.text, got, tc.category)
		}
		if got := vals["content_type"].(string); got != tc.ctype {
			t.Errorf("%q: content type = %q, want %q", tc.text, got, tc.ctype)
		}
		path := vals["category_path"].(string)
		if !strings.HasSuffix(path, "/"+tc.category) {
			t.Errorf("%q: category path %q does not end in category", tc.text, path)
		}
	}
}

func TestClaims(t *testing.T) {
	p, _ := newClaims(Deps{})

	q := mustEnrich(t, p, "Where were you last night?")
	if q["qa_role"].(string) != "question" || q["is_claim"].(bool) {
		t.Fatalf("question misclassified: %v", q)
	}

	opinion := mustEnrich(t, p, "I think the movie was bad")
	if !opinion["is_claim"].(bool) || opinion["claim_type"].(string) != "opinion" {
		t.Fatalf("hedged claim misclassified: %v", opinion)
	}

	factual := mustEnrich(t, p, "The invoice was sent on Monday")
	if !factual["is_claim"].(bool) || factual["claim_type"].(string) != "factual" {
		t.Fatalf("factual claim misclassified: %v", factual)
	}
	if factual["qa_role"].(string) != "answer" {
		t.Fatalf("claim qa role = %v, want answer", factual["qa_role"])
	}
}

func TestQualityFlags(t *testing.T) {
	p, _ := newQuality(Deps{})

	short := mustEnrich(t, p, "ok ok ok ok ok")
	var flags []string
	if err := json.Unmarshal([]byte(short["enrichment_quality_flags"].(string)), &flags); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range flags {
		if f == "repeated_tokens" {
			found = true
		}
	}
	if !found {
		t.Fatalf("repeated token run not flagged: %v", flags)
	}

	clean := mustEnrich(t, p, "We should leave for the airport around seven tomorrow morning.")
	if err := json.Unmarshal([]byte(clean["enrichment_quality_flags"].(string)), &flags); err != nil {
		t.Fatal(err)
	}
	if len(flags) != 0 {
		t.Fatalf("clean text flagged: %v", flags)
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(clean["enrichment_metadata"].(string)), &meta); err != nil {
		t.Fatal(err)
	}
	if meta["word_count"].(float64) == 0 {
		t.Fatal("metadata missing word count")
	}
}

func TestTriageBuckets(t *testing.T) {
	p, _ := newTriage(Deps{})

	routine := mustEnrich(t, p, "see you at noon")
	if routine["triage_priority"].(string) != "low" || routine["triage_needs_flash"].(bool) {
		t.Fatalf("routine text escalated: %v", routine)
	}

	emotional := mustEnrich(t, p, "I hate this, I am so angry and afraid and sad")
	if emotional["triage_priority"].(string) != "high" || !emotional["triage_needs_pro"].(bool) {
		t.Fatalf("emotional text not escalated: %v", emotional)
	}
	if emotional["triage_category"].(string) != "emotional" {
		t.Fatalf("category = %v, want emotional", emotional["triage_category"])
	}
}

func TestResonanceGroupsAreStable(t *testing.T) {
	p, _ := newResonance(Deps{})
	a := mustEnrich(t, p, "I was afraid and worried all night")
	b := mustEnrich(t, p, "so scared and worried about tomorrow")
	if a["resonance_group_id"] != b["resonance_group_id"] {
		t.Fatalf("same emotion set split into groups %v and %v",
			a["resonance_group_id"], b["resonance_group_id"])
	}
	c := mustEnrich(t, p, "great dinner with a friend, love it")
	if a["resonance_group_id"] == c["resonance_group_id"] {
		t.Fatal("distinct emotion sets share a group")
	}
}

func TestNewPassRejectsModelPassesWithoutClient(t *testing.T) {
	if _, err := NewPass("toxicity", Deps{}); err == nil {
		t.Fatal("model pass constructed without a model client")
	}
	if _, err := NewPass("sentiment", Deps{}); err != nil {
		t.Fatalf("lexical pass should not need a model: %v", err)
	}
	if _, err := NewPass("nope", Deps{}); err == nil {
		t.Fatal("unknown pass accepted")
	}
}

func TestPassRegistryOwnsDisjointColumns(t *testing.T) {
	owner := map[string]string{}
	for _, name := range PassNames() {
		d := passDescriptor(t, name)
		for _, col := range d.OwnedColumns {
			if prev, taken := owner[col]; taken {
				t.Errorf("column %s owned by both %s and %s", col, prev, name)
			}
			owner[col] = name
		}
	}
}

func passDescriptor(t *testing.T, name string) Descriptor {
	t.Helper()
	p, err := passRegistry[name](Deps{})
	if err != nil {
		t.Fatalf("construct %s: %v", name, err)
	}
	return p.Descriptor()
}
