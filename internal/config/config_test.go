package config

import (
	"strings"
	"testing"
)

const validYAML = `
pipeline:
  name: session_ingest
  version: "2.0.0"
  description: chat session ingestion
stages:
  stage_0:
    name: Discover
    type: extract
    input: "{source_dir}"
    output: "{staging_root}/discovery_manifest_{run_id}.json"
  stage_1:
    name: Extract
    type: extract
    batch_size: 500
  stage_4:
    name: Stage and correct
    type: transform
    model: corrector
environments:
  default:
    source:
      dir: ./sessions
    destination:
      database: ./forge.duckdb
    models:
      corrector: text-fix-small
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "session_ingest" {
		t.Fatalf("unexpected name: %q", cfg.Name)
	}
	order := cfg.StageOrder()
	if len(order) != 3 || order[0] != "stage_0" || order[2] != "stage_4" {
		t.Fatalf("unexpected order: %v", order)
	}
	if sc, ok := cfg.Stage(1); !ok || sc.BatchSize != 500 {
		t.Fatalf("stage_1 lookup failed: %+v ok=%v", sc, ok)
	}
	id, err := cfg.ResolveModel("default", "corrector")
	if err != nil || id != "text-fix-small" {
		t.Fatalf("model resolve: %q %v", id, err)
	}
}

func TestParseDuplicateStageNumber(t *testing.T) {
	dup := strings.Replace(validYAML, "  stage_4:", "  stage_01:\n    name: Extract again\n    type: extract\n  stage_4:", 1)
	_, err := Parse([]byte(dup))
	if err == nil || !strings.Contains(err.Error(), "duplicate stage number 1") {
		t.Fatalf("expected duplicate stage error, got %v", err)
	}
}

func TestParseUndefinedModelAlias(t *testing.T) {
	y := strings.Replace(validYAML, "model: corrector", "model: missing_alias", 1)
	_, err := Parse([]byte(y))
	if err == nil || !strings.Contains(err.Error(), "model alias") {
		t.Fatalf("expected model alias error, got %v", err)
	}
	var ce *ConfigError
	if !errorsAs(err, &ce) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
}

func TestParseBadStageKey(t *testing.T) {
	y := strings.Replace(validYAML, "stage_0:", "phase_0:", 1)
	_, err := Parse([]byte(y))
	if err == nil || !strings.Contains(err.Error(), "stage_<N>") {
		t.Fatalf("expected stage key error, got %v", err)
	}
}

func TestParseUnknownType(t *testing.T) {
	y := strings.Replace(validYAML, "type: transform", "type: mutate", 1)
	_, err := Parse([]byte(y))
	if err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Fatalf("expected type error, got %v", err)
	}
}

func errorsAs(err error, target **ConfigError) bool {
	ce, ok := err.(*ConfigError)
	if ok {
		*target = ce
	}
	return ok
}
