package stages

import (
	"context"
	"strconv"
	"strings"
	"unicode"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/pipeline"
)

// Sentences splits each message entity into level-4 sentence entities.
type Sentences struct {
	env pipeline.StageEnv
}

func NewSentences(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Sentences{env: env}, nil
}

func (s *Sentences) Name() string { return "sentences" }

func (s *Sentences) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	entities, err := s.env.Store.ListEntities(ctx, "entity_staging", domain.LevelMessage)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.Record, 0, len(entities))
	for _, e := range entities {
		out = append(out, e)
	}
	return out, nil
}

func (s *Sentences) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	msg := rec.(domain.Entity)
	sentences := SplitSentences(msg.Text)
	if len(sentences) == 0 {
		return nil, pipeline.ErrDrop
	}
	out := make([]domain.Entity, 0, len(sentences))
	for i, text := range sentences {
		out = append(out, domain.Entity{
			EntityID:       DerivedEntityID("sentence", msg.EntityID, strconv.Itoa(i)),
			Level:          domain.LevelSentence,
			ParentID:       msg.EntityID,
			Text:           text,
			SourcePlatform: msg.SourcePlatform,
			EntityType:     "sentence",
			ConversationID: msg.ConversationID,
			MessageID:      msg.MessageID,
		})
	}
	return out, nil
}

func (s *Sentences) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	var entities []domain.Entity
	for _, rec := range recs {
		entities = append(entities, rec.([]domain.Entity)...)
	}
	if err := s.env.Store.UpsertEntities(ctx, entities); err != nil {
		return 0, err
	}
	return len(entities), nil
}

// SplitSentences breaks text on terminal punctuation followed by space and
// an upper-case or digit start. Abbreviation handling is deliberately rough;
// the enrichment layer tolerates slightly ragged sentence bounds.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// absorb trailing punctuation such as "?!" or "..."
		j := i
		for j+1 < len(runes) && (runes[j+1] == '.' || runes[j+1] == '!' || runes[j+1] == '?' || runes[j+1] == '"' || runes[j+1] == '\'') {
			j++
		}
		if j+1 >= len(runes) {
			break
		}
		if !unicode.IsSpace(runes[j+1]) {
			continue
		}
		k := j + 1
		for k < len(runes) && unicode.IsSpace(runes[k]) {
			k++
		}
		if k < len(runes) && (unicode.IsUpper(runes[k]) || unicode.IsDigit(runes[k])) {
			if sentence := strings.TrimSpace(string(runes[start : j+1])); sentence != "" {
				out = append(out, sentence)
			}
			start = k
			i = k - 1
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}
