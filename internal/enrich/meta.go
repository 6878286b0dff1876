package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/store/canonical"
)

const metaVersion = "go-meta-1"

// fineGrained backfills span and word lineage onto sub-sentence rows so
// downstream queries can join fine-grained entities back to their parents
// without walking the hierarchy.
type fineGrained struct {
	store *canonical.Store
}

func newFineGrained(d Deps) (Pass, error) {
	return &fineGrained{store: d.Store}, nil
}

func (*fineGrained) Descriptor() Descriptor {
	return Descriptor{
		Name:         "fine_grained",
		Stamp:        "fine_grained_enriched_at",
		Levels:       []int{domain.LevelWord, domain.LevelSpan, domain.LevelSentence},
		OwnedColumns: []string{"span_id", "word_id", "fine_grained_version"},
	}
}

func (p *fineGrained) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	vals := map[string]any{"fine_grained_version": metaVersion}
	switch t.Level {
	case domain.LevelWord:
		ent, err := p.store.GetEntity(ctx, "entity_unified", t.EntityID)
		if err != nil {
			return nil, fmt.Errorf("lineage lookup for word %s: %w", t.EntityID, err)
		}
		vals["word_id"] = t.EntityID
		if ent.ParentID != "" {
			vals["span_id"] = ent.ParentID
		}
	case domain.LevelSpan:
		vals["span_id"] = t.EntityID
	}
	// Sentences carry only the version stamp; their spans point upward.
	return vals, nil
}

// quality flags structural problems with an entity's text and records
// measurement metadata for later audits.
type quality struct{}

func newQuality(Deps) (Pass, error) { return quality{}, nil }

func (quality) Descriptor() Descriptor {
	return Descriptor{
		Name:         "quality",
		Stamp:        "quality_enriched_at",
		Levels:       textLevels,
		OwnedColumns: []string{"enrichment_quality_flags", "enrichment_metadata", "quality_version"},
	}
}

func (quality) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	text := strings.TrimSpace(t.Text)
	flags := []string{}
	words := tokenizeLower(text)

	if text == "" {
		flags = append(flags, "empty_text")
	}
	if len(words) > 0 && len(words) < 3 {
		flags = append(flags, "very_short")
	}
	if len(text) > 8000 {
		flags = append(flags, "very_long")
	}
	if text != "" && nonAlphaRatio(text) > 0.5 {
		flags = append(flags, "mostly_non_alpha")
	}
	if hasRepeatedToken(words, 4) {
		flags = append(flags, "repeated_tokens")
	}

	flagsRaw, err := json.Marshal(flags)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(map[string]any{
		"measured_at": time.Now().UTC().Format(time.RFC3339),
		"char_count":  len(text),
		"word_count":  len(words),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"enrichment_quality_flags": string(flagsRaw),
		"enrichment_metadata":      string(meta),
		"quality_version":          metaVersion,
	}, nil
}

func nonAlphaRatio(text string) float64 {
	alpha := 0
	total := 0
	for _, r := range text {
		if r == ' ' {
			continue
		}
		total++
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			alpha++
		}
	}
	if total == 0 {
		return 0
	}
	return 1 - float64(alpha)/float64(total)
}

func hasRepeatedToken(words []string, runLen int) bool {
	run := 1
	for i := 1; i < len(words); i++ {
		if words[i] == words[i-1] {
			run++
			if run >= runLen {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// triage buckets entities by how much downstream model attention they need.
// Cheap texts stay on the small model path; long or emotionally loaded ones
// get flagged for the heavier tiers.
type triage struct{}

func newTriage(Deps) (Pass, error) { return triage{}, nil }

func (triage) Descriptor() Descriptor {
	return Descriptor{
		Name:         "triage",
		Stamp:        "triage_enriched_at",
		Levels:       textLevels,
		OwnedColumns: []string{"triage_complexity", "triage_priority", "triage_category", "triage_needs_flash", "triage_needs_pro"},
	}
}

func (triage) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	tokens := tokenizeLower(t.Text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("entity %s has no scorable text", t.EntityID)
	}

	unique := make(map[string]bool, len(tokens))
	emotional := 0
	for _, tok := range tokens {
		unique[tok] = true
		if len(nrcLexicon[tok]) > 0 {
			emotional++
		}
	}
	lexicalDiversity := float64(len(unique)) / float64(len(tokens))
	complexity := float64(len(tokens))/100 + lexicalDiversity
	if complexity > 1 {
		complexity = 1
	}
	emotionalLoad := float64(emotional) / float64(len(tokens))

	priority := "low"
	category := "routine"
	switch {
	case emotionalLoad > 0.15:
		priority, category = "high", "emotional"
	case len(tokens) > 60 || complexity > 0.8:
		priority, category = "medium", "complex"
	}

	return map[string]any{
		"triage_complexity":  complexity,
		"triage_priority":    priority,
		"triage_category":    category,
		"triage_needs_flash": priority != "low",
		"triage_needs_pro":   priority == "high",
	}, nil
}
