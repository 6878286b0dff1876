package stages

import (
	"context"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/enrich"
	"github.com/truthforge/forge/internal/pipeline"
	"github.com/truthforge/forge/internal/store/canonical"
)

// Correct writes identified messages into the staging message table and
// optionally runs them through a text-correction model. Corrections are
// null-only on replay: a correction already present is never overwritten.
type Correct struct {
	env   pipeline.StageEnv
	model *enrich.ModelClient
}

func NewCorrect(env pipeline.StageEnv) (pipeline.Stage, error) {
	s := &Correct{env: env}
	if alias := env.StageCfg.Model; alias != "" {
		endpoint, err := env.Config.ResolveModel(env.Env, alias)
		if err != nil {
			return nil, err
		}
		s.model = enrich.NewModelClient(endpoint)
	}
	return s, nil
}

func (s *Correct) Name() string { return "stage_and_correct" }

func (s *Correct) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	msgs, err := s.env.Store.ListMessages(ctx, canonical.TableIdentified, s.env.RunID)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.Record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m)
	}
	return out, nil
}

func (s *Correct) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	m := rec.(domain.Message)
	if s.model != nil {
		corrected, err := s.model.Correct(ctx, m.Text)
		if err != nil {
			return nil, err
		}
		m.CorrectedText = corrected
	}
	return m, nil
}

func (s *Correct) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	msgs := make([]domain.Message, 0, len(recs))
	for _, rec := range recs {
		msgs = append(msgs, rec.(domain.Message))
	}
	if err := s.env.Store.UpsertStagedMessages(ctx, s.env.RunID, msgs); err != nil {
		return 0, err
	}
	return len(msgs), nil
}
