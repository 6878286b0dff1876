package enrich

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/truthforge/forge/internal/store/canonical"
)

// Model-backed passes. Each one posts the target text to the inference
// sidecar and maps the response onto its owned columns. Construction fails
// in NewPass when no model endpoint is configured, so every value of these
// types carries a usable client.

type transformerEmotion struct {
	model *ModelClient
}

func newTransformerEmotion(d Deps) (Pass, error) {
	return &transformerEmotion{model: d.Model}, nil
}

func (*transformerEmotion) Descriptor() Descriptor {
	return Descriptor{
		Name:          "transformer_emotion",
		Stamp:         "transformer_emotion_enriched_at",
		Levels:        textLevels,
		RequiresModel: true,
		OwnedColumns: []string{
			"goemotions_scores", "goemotions_top_emotions", "goemotions_primary_emotion",
			"goemotions_primary_score", "goemotions_model", "goemotions_version",
		},
	}
}

type emotionResponse struct {
	Scores  map[string]float64 `json:"scores"`
	Top     []string           `json:"top_emotions"`
	Primary string             `json:"primary"`
	Score   float64            `json:"primary_score"`
	Model   string             `json:"model"`
	Version string             `json:"version"`
}

func (p *transformerEmotion) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	var resp emotionResponse
	if err := p.model.Infer(ctx, "emotions", map[string]any{"text": t.Text}, &resp); err != nil {
		return nil, fmt.Errorf("emotions inference for %s: %w", t.EntityID, err)
	}
	scores, err := json.Marshal(resp.Scores)
	if err != nil {
		return nil, err
	}
	top, err := json.Marshal(resp.Top)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"goemotions_scores":          string(scores),
		"goemotions_top_emotions":    string(top),
		"goemotions_primary_emotion": resp.Primary,
		"goemotions_primary_score":   resp.Score,
		"goemotions_model":           resp.Model,
		"goemotions_version":         resp.Version,
	}, nil
}

type toxicity struct {
	model *ModelClient
}

func newToxicity(d Deps) (Pass, error) {
	return &toxicity{model: d.Model}, nil
}

func (*toxicity) Descriptor() Descriptor {
	return Descriptor{
		Name:          "toxicity",
		Stamp:         "toxicity_enriched_at",
		Levels:        textLevels,
		RequiresModel: true,
		OwnedColumns: []string{
			"roberta_hate_label", "roberta_hate_score", "roberta_hate_model", "roberta_hate_version",
		},
	}
}

type toxicityResponse struct {
	Label   string  `json:"label"`
	Score   float64 `json:"score"`
	Model   string  `json:"model"`
	Version string  `json:"version"`
}

func (p *toxicity) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	var resp toxicityResponse
	if err := p.model.Infer(ctx, "toxicity", map[string]any{"text": t.Text}, &resp); err != nil {
		return nil, fmt.Errorf("toxicity inference for %s: %w", t.EntityID, err)
	}
	return map[string]any{
		"roberta_hate_label":   resp.Label,
		"roberta_hate_score":   resp.Score,
		"roberta_hate_model":   resp.Model,
		"roberta_hate_version": resp.Version,
	}, nil
}

type topics struct {
	model *ModelClient
}

func newTopics(d Deps) (Pass, error) {
	return &topics{model: d.Model}, nil
}

func (*topics) Descriptor() Descriptor {
	return Descriptor{
		Name:          "topics",
		Stamp:         "topics_enriched_at",
		Levels:        textLevels,
		RequiresModel: true,
		OwnedColumns: []string{
			"bertopic_topic_id", "bertopic_topic_probability", "bertopic_model_id", "bertopic_version",
		},
	}
}

type topicResponse struct {
	TopicID     int     `json:"topic_id"`
	Probability float64 `json:"probability"`
	ModelID     string  `json:"model_id"`
	Version     string  `json:"version"`
}

func (p *topics) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	var resp topicResponse
	if err := p.model.Infer(ctx, "topics", map[string]any{"text": t.Text}, &resp); err != nil {
		return nil, fmt.Errorf("topic inference for %s: %w", t.EntityID, err)
	}
	return map[string]any{
		"bertopic_topic_id":          resp.TopicID,
		"bertopic_topic_probability": resp.Probability,
		"bertopic_model_id":          resp.ModelID,
		"bertopic_version":           resp.Version,
	}, nil
}

type clustering struct {
	model *ModelClient
}

func newClustering(d Deps) (Pass, error) {
	return &clustering{model: d.Model}, nil
}

func (*clustering) Descriptor() Descriptor {
	return Descriptor{
		Name:          "clustering",
		Stamp:         "clustering_enriched_at",
		Levels:        textLevels,
		RequiresModel: true,
		OwnedColumns: []string{
			"cluster_id", "cluster_label", "cluster_confidence", "cluster_model", "cluster_version",
		},
	}
}

type clusterResponse struct {
	ClusterID  int     `json:"cluster_id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model"`
	Version    string  `json:"version"`
}

func (p *clustering) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	var resp clusterResponse
	if err := p.model.Infer(ctx, "clusters", map[string]any{"text": t.Text}, &resp); err != nil {
		return nil, fmt.Errorf("cluster inference for %s: %w", t.EntityID, err)
	}
	return map[string]any{
		"cluster_id":         resp.ClusterID,
		"cluster_label":      resp.Label,
		"cluster_confidence": resp.Confidence,
		"cluster_model":      resp.Model,
		"cluster_version":    resp.Version,
	}, nil
}
