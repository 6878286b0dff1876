package stages

import (
	"context"
	"strconv"
	"strings"
	"unicode"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/pipeline"
)

// Words tokenizes each span into level-2 word entities.
type Words struct {
	env pipeline.StageEnv
}

func NewWords(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Words{env: env}, nil
}

func (s *Words) Name() string { return "words" }

func (s *Words) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	entities, err := s.env.Store.ListEntities(ctx, "entity_staging", domain.LevelSpan)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.Record, 0, len(entities))
	for _, e := range entities {
		out = append(out, e)
	}
	return out, nil
}

func (s *Words) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	span := rec.(domain.Entity)
	tokens := Tokenize(span.Text)
	if len(tokens) == 0 {
		return nil, pipeline.ErrDrop
	}
	out := make([]domain.Entity, 0, len(tokens))
	for i, tok := range tokens {
		out = append(out, domain.Entity{
			EntityID:       DerivedEntityID("word", span.EntityID, strconv.Itoa(i)),
			Level:          domain.LevelWord,
			ParentID:       span.EntityID,
			Text:           tok,
			SourcePlatform: span.SourcePlatform,
			EntityType:     "word",
			ConversationID: span.ConversationID,
			MessageID:      span.MessageID,
		})
	}
	return out, nil
}

func (s *Words) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	var entities []domain.Entity
	for _, rec := range recs {
		entities = append(entities, rec.([]domain.Entity)...)
	}
	if err := s.env.Store.UpsertEntities(ctx, entities); err != nil {
		return 0, err
	}
	return len(entities), nil
}

// Tokenize splits on non-letter, non-digit boundaries, keeping internal
// apostrophes ("don't" stays one token).
func Tokenize(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	runes := []rune(text)
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == '\'' && b.Len() > 0 && i+1 < len(runes) && unicode.IsLetter(runes[i+1]):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return out
}
