package enrich

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/truthforge/forge/internal/store/canonical"
)

const semanticVersion = "go-sem-1"

// resonance groups entities that share an emotional fingerprint. The group
// id is a stable hash of the sorted emotion set, so two texts that light up
// the same emotions land in the same group across runs.
type resonance struct{}

func newResonance(Deps) (Pass, error) { return resonance{}, nil }

func (resonance) Descriptor() Descriptor {
	return Descriptor{
		Name:         "resonance",
		Stamp:        "resonance_enriched_at",
		Levels:       textLevels,
		OwnedColumns: []string{"resonance_group_id", "resonance_score", "resonance_version"},
	}
}

func (resonance) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	tokens := tokenizeLower(t.Text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("entity %s has no scorable text", t.EntityID)
	}
	seen := make(map[string]bool)
	hits := 0
	for _, tok := range tokens {
		emotions := nrcLexicon[tok]
		if len(emotions) > 0 {
			hits++
		}
		for _, e := range emotions {
			if e != "positive" && e != "negative" {
				seen[e] = true
			}
		}
	}
	fingerprint := make([]string, 0, len(seen))
	for e := range seen {
		fingerprint = append(fingerprint, e)
	}
	sort.Strings(fingerprint)
	key := strings.Join(fingerprint, "|")
	if key == "" {
		key = "neutral"
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return map[string]any{
		"resonance_group_id": fmt.Sprintf("rg-%08x", h.Sum32()),
		"resonance_score":    float64(hits) / float64(len(tokens)),
		"resonance_version":  semanticVersion,
	}, nil
}

// taxonomyRules route text into a coarse category by keyword hits. First
// matching rule wins; rules are ordered most specific first.
var taxonomyRules = []struct {
	category string
	domain   string
	terms    []string
}{
	{"health", "personal", []string{"doctor", "appointment", "medicine", "sick", "hospital", "therapy", "pain"}},
	{"finance", "personal", []string{"money", "pay", "paid", "rent", "invoice", "bank", "price", "budget"}},
	{"work", "professional", []string{"meeting", "project", "deadline", "boss", "client", "office", "interview"}},
	{"technology", "professional", []string{"code", "server", "bug", "software", "computer", "phone", "app"}},
	{"travel", "personal", []string{"flight", "trip", "hotel", "airport", "drive", "vacation"}},
	{"family", "personal", []string{"mom", "dad", "sister", "brother", "kids", "family", "grandma", "grandpa"}},
	{"food", "personal", []string{"dinner", "lunch", "breakfast", "cook", "recipe", "restaurant", "eat"}},
}

type taxonomy struct{}

func newTaxonomy(Deps) (Pass, error) { return taxonomy{}, nil }

func (taxonomy) Descriptor() Descriptor {
	return Descriptor{
		Name:         "taxonomy",
		Stamp:        "taxonomy_enriched_at",
		Levels:       textLevels,
		OwnedColumns: []string{"primary_category", "category_path", "content_type", "domain", "taxonomy_version"},
	}
}

func (taxonomy) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	tokens := tokenizeLower(t.Text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("entity %s has no scorable text", t.EntityID)
	}
	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		set[tok] = true
	}
	category, domain := "general", "personal"
	for _, rule := range taxonomyRules {
		for _, term := range rule.terms {
			if set[term] {
				category, domain = rule.category, rule.domain
				break
			}
		}
		if category != "general" {
			break
		}
	}
	return map[string]any{
		"primary_category": category,
		"category_path":    domain + "/" + category,
		"content_type":     contentType(t.Text, set),
		"domain":           domain,
		"taxonomy_version": semanticVersion,
	}, nil
}

func contentType(text string, tokens map[string]bool) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasSuffix(trimmed, "?") {
		return "question"
	}
	for _, w := range []string{"please", "can", "could", "would"} {
		if tokens[w] {
			return "request"
		}
	}
	return "statement"
}

// claims tags assertions and their role in question-answer exchanges.
type claims struct{}

func newClaims(Deps) (Pass, error) { return claims{}, nil }

func (claims) Descriptor() Descriptor {
	return Descriptor{
		Name:         "claims",
		Stamp:        "claims_enriched_at",
		Levels:       textLevels,
		OwnedColumns: []string{"is_claim", "claim_type", "qa_role", "claims_version"},
	}
}

var hedgeWords = map[string]bool{
	"think": true, "feel": true, "believe": true, "maybe": true,
	"probably": true, "seems": true, "guess": true, "might": true,
}

var assertionVerbs = map[string]bool{
	"is": true, "are": true, "was": true, "were": true, "will": true,
	"did": true, "does": true, "has": true, "have": true, "said": true,
}

func (claims) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	trimmed := strings.TrimSpace(t.Text)
	if trimmed == "" {
		return nil, fmt.Errorf("entity %s has no scorable text", t.EntityID)
	}
	tokens := tokenizeLower(trimmed)

	qaRole := "statement"
	if strings.HasSuffix(trimmed, "?") {
		qaRole = "question"
	}

	isClaim := false
	claimType := ""
	if qaRole != "question" {
		hedged := false
		asserted := false
		for _, tok := range tokens {
			if hedgeWords[tok] {
				hedged = true
			}
			if assertionVerbs[tok] {
				asserted = true
			}
		}
		switch {
		case hedged:
			isClaim, claimType = true, "opinion"
		case asserted:
			isClaim, claimType = true, "factual"
		}
		if isClaim && qaRole == "statement" {
			qaRole = "answer"
		}
	}
	return map[string]any{
		"is_claim":       isClaim,
		"claim_type":     claimType,
		"qa_role":        qaRole,
		"claims_version": semanticVersion,
	}, nil
}
