package stages

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/pipeline"
	"github.com/truthforge/forge/internal/store/canonical"
)

// Clean normalizes unicode, strips control characters and drops messages
// left empty by normalization.
type Clean struct {
	env pipeline.StageEnv
}

func NewClean(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Clean{env: env}, nil
}

func (s *Clean) Name() string { return "clean" }

func (s *Clean) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	msgs, err := s.env.Store.ListMessages(ctx, canonical.TableRaw, s.env.RunID)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.Record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m)
	}
	return out, nil
}

func (s *Clean) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	m := rec.(domain.Message)
	m.Text = CleanText(m.Text)
	m.Speaker = strings.TrimSpace(m.Speaker)
	m.Role = strings.ToLower(strings.TrimSpace(m.Role))
	if m.Text == "" {
		return nil, pipeline.ErrDrop
	}
	return m, nil
}

func (s *Clean) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	msgs := make([]domain.Message, 0, len(recs))
	for _, rec := range recs {
		msgs = append(msgs, rec.(domain.Message))
	}
	if err := s.env.Store.ResetRun(ctx, canonical.TableClean, s.env.RunID); err != nil {
		return 0, err
	}
	if err := s.env.Store.InsertMessages(ctx, canonical.TableClean, s.env.RunID, msgs); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// CleanText applies NFC normalization, drops control characters except
// newline and tab, and collapses runs of whitespace.
func CleanText(text string) string {
	text = norm.NFC.String(text)
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' {
			b.WriteRune(' ')
			continue
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
