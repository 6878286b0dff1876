package stages

import (
	"context"
	"fmt"

	"github.com/truthforge/forge/internal/pipeline"
)

// validationReport is the single record a validation stage emits.
type validationReport struct {
	Table               string `json:"table"`
	Orphans             int64  `json:"orphans"`
	ParentLevelBreaches int64  `json:"parent_level_breaches"`
	CountMismatches     int64  `json:"count_mismatches"`
}

// Validation is the shared shape of stages 11, 13 and 15. They are gates: a
// failed check fails the stage, which stops the pipeline.
type Validation struct {
	env         pipeline.StageEnv
	name        string
	table       string
	checkCounts bool
}

// NewParentValidation is stage 11: every non-top entity must have a parent
// at exactly the right level.
func NewParentValidation(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Validation{env: env, name: "parent_validation", table: "entity_staging"}, nil
}

// NewPrePromotionValidation is stage 13: referential integrity plus count
// exactness on staging.
func NewPrePromotionValidation(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Validation{env: env, name: "pre_promotion_validation", table: "entity_staging", checkCounts: true}, nil
}

// NewFinalValidation is stage 15: the stage-13 checks against the canonical
// table after promotion.
func NewFinalValidation(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Validation{env: env, name: "final_validation", table: "entity_unified", checkCounts: true}, nil
}

func (s *Validation) Name() string { return s.name }

func (s *Validation) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	rep := validationReport{Table: s.table}
	var err error
	if rep.Orphans, err = s.env.Store.OrphanCount(ctx, s.table); err != nil {
		return nil, err
	}
	if rep.ParentLevelBreaches, err = s.env.Store.ParentLevelViolations(ctx, s.table); err != nil {
		return nil, err
	}
	if s.checkCounts {
		if rep.CountMismatches, err = s.env.Store.CountMismatches(ctx, s.table); err != nil {
			return nil, err
		}
	}
	if rep.Orphans > 0 || rep.ParentLevelBreaches > 0 || rep.CountMismatches > 0 {
		return nil, fmt.Errorf("%s: %d orphans, %d parent-level breaches, %d count mismatches on %s",
			s.name, rep.Orphans, rep.ParentLevelBreaches, rep.CountMismatches, s.table)
	}
	return []pipeline.Record{rep}, nil
}

func (s *Validation) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	return rec, nil
}

func (s *Validation) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	for _, rec := range recs {
		rep := rec.(validationReport)
		s.env.Log.Info("validation clean", "table", rep.Table)
	}
	return len(recs), nil
}
