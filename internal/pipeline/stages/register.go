package stages

import "github.com/truthforge/forge/internal/pipeline"

// RegisterAll wires the full ingestion catalog into a runner.
func RegisterAll(r *pipeline.Runner) {
	r.Register(0, NewDiscover)
	r.Register(1, NewExtract)
	r.Register(2, NewClean)
	r.Register(3, NewIdentityGate)
	r.Register(4, NewCorrect)
	r.Register(5, NewConversations)
	r.Register(6, NewTurns)
	r.Register(7, NewMessages)
	r.Register(8, NewSentences)
	r.Register(9, NewSpans)
	r.Register(10, NewWords)
	r.Register(11, NewParentValidation)
	r.Register(12, NewCounts)
	r.Register(13, NewPrePromotionValidation)
	r.Register(14, NewPromote)
	r.Register(15, NewFinalValidation)
	r.Register(16, NewPublish)
}
