package enrich

import (
	"context"
	"fmt"
	"sort"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/store/canonical"
)

// Descriptor declares a pass's identity and column ownership. A pass writes
// its owned columns and its stamp, nothing else.
type Descriptor struct {
	Name          string
	Stamp         string // completion timestamp column
	Levels        []int  // entity levels the pass applies to
	OwnedColumns  []string
	RequiresModel bool
}

// Pass computes the owned-column values for one entity. A returned error
// sends the record to the DLQ; the pass keeps running.
type Pass interface {
	Descriptor() Descriptor
	Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error)
}

// Deps is what pass constructors may draw on.
type Deps struct {
	Store *canonical.Store
	Model *ModelClient
	Log   *logger.Logger
}

type passFactory func(Deps) (Pass, error)

var passRegistry = map[string]passFactory{
	"sentiment":           newSentiment,
	"readability":         newReadability,
	"lexicon_emotion":     newLexiconEmotion,
	"transformer_emotion": newTransformerEmotion,
	"toxicity":            newToxicity,
	"keywords":            newKeywords,
	"topics":              newTopics,
	"clustering":          newClustering,
	"resonance":           newResonance,
	"taxonomy":            newTaxonomy,
	"claims":              newClaims,
	"fine_grained":        newFineGrained,
	"quality":             newQuality,
	"triage":              newTriage,
}

// PassNames lists every registered pass in stable order.
func PassNames() []string {
	names := make([]string, 0, len(passRegistry))
	for name := range passRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewPass builds one registered pass. Model-backed passes fail fast when no
// model client is configured.
func NewPass(name string, deps Deps) (Pass, error) {
	factory, ok := passRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown enrichment pass %q", name)
	}
	p, err := factory(deps)
	if err != nil {
		return nil, err
	}
	if p.Descriptor().RequiresModel && deps.Model == nil {
		return nil, fmt.Errorf("pass %q needs a model endpoint (set MODEL_ENDPOINT)", name)
	}
	return p, nil
}

var textLevels = []int{domain.LevelSentence, domain.LevelMessage, domain.LevelTurn}
