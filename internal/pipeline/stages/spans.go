package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/coregx/ahocorasick"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/pipeline"
)

// defaultGazetteer seeds span detection when no dictionary file is
// configured. Stage options may extend it via a "gazetteer" list.
var defaultGazetteer = []string{
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	"january", "february", "march", "april", "may", "june", "july",
	"august", "september", "october", "november", "december",
	"today", "tomorrow", "yesterday", "tonight",
	"mom", "dad", "brother", "sister", "wife", "husband",
	"doctor", "dentist", "work", "office", "school", "home",
	"morning", "afternoon", "evening", "weekend",
	"birthday", "meeting", "appointment", "dinner", "lunch",
}

// Spans runs gazetteer span detection over sentences and emits level-3
// entities with byte offsets encoded in the id seed.
type Spans struct {
	env pipeline.StageEnv
	ac  *ahocorasick.Automaton
}

func NewSpans(env pipeline.StageEnv) (pipeline.Stage, error) {
	patterns := append([]string(nil), defaultGazetteer...)
	if extra, ok := env.StageCfg.Options["gazetteer"].([]any); ok {
		for _, v := range extra {
			if s, ok := v.(string); ok && s != "" {
				patterns = append(patterns, strings.ToLower(s))
			}
		}
	}
	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build span automaton: %w", err)
	}
	return &Spans{env: env, ac: ac}, nil
}

func (s *Spans) Name() string { return "spans" }

func (s *Spans) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	entities, err := s.env.Store.ListEntities(ctx, "entity_staging", domain.LevelSentence)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.Record, 0, len(entities))
	for _, e := range entities {
		out = append(out, e)
	}
	return out, nil
}

func (s *Spans) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	sentence := rec.(domain.Entity)
	lower := strings.ToLower(sentence.Text)
	matches := s.ac.FindAllOverlapping([]byte(lower))

	var spans []domain.Entity
	lastEnd := -1
	for _, m := range matches {
		if m.Start < lastEnd {
			continue // keep leftmost non-overlapping matches
		}
		if !wordBounded(lower, m.Start, m.End) {
			continue
		}
		lastEnd = m.End
		spans = append(spans, domain.Entity{
			EntityID:       DerivedEntityID("span", sentence.EntityID, fmt.Sprintf("%d:%d", m.Start, m.End)),
			Level:          domain.LevelSpan,
			ParentID:       sentence.EntityID,
			Text:           sentence.Text[m.Start:m.End],
			SourcePlatform: sentence.SourcePlatform,
			EntityType:     "span",
			ConversationID: sentence.ConversationID,
			MessageID:      sentence.MessageID,
		})
	}
	if len(spans) == 0 {
		return nil, pipeline.ErrDrop
	}
	return spans, nil
}

func (s *Spans) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	var entities []domain.Entity
	for _, rec := range recs {
		entities = append(entities, rec.([]domain.Entity)...)
	}
	if err := s.env.Store.UpsertEntities(ctx, entities); err != nil {
		return 0, err
	}
	return len(entities), nil
}

// wordBounded rejects matches embedded inside a larger word, such as "may"
// inside "dismay".
func wordBounded(text string, start, end int) bool {
	if start > 0 && isWordByte(text[start-1]) {
		return false
	}
	if end < len(text) && isWordByte(text[end]) {
		return false
	}
	return true
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
