package stages

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/truthforge/forge/internal/config"
	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/pipeline"
	"github.com/truthforge/forge/internal/store/canonical"
)

const testPipelineYAML = `
pipeline:
  name: ingestion
  version: "1.0"
stages:
  stage_0: {name: Discover, type: extract}
  stage_1: {name: Extract, type: extract}
  stage_2: {name: Clean, type: transform}
  stage_3: {name: Identity gate, type: transform}
  stage_4: {name: Stage and correct, type: transform}
  stage_5: {name: Conversations, type: load}
  stage_6: {name: Turns, type: load}
  stage_7: {name: Messages, type: load}
  stage_8: {name: Sentences, type: load}
  stage_9: {name: Spans, type: load}
  stage_10: {name: Words, type: load}
  stage_11: {name: Parent validation, type: validate}
  stage_12: {name: Counts, type: transform}
  stage_13: {name: Pre-promotion validation, type: validate}
  stage_14: {name: Promote, type: load}
  stage_15: {name: Final validation, type: validate}
  stage_16: {name: Publish, type: load}
environments:
  test:
    source: {}
    destination: {}
    models: {}
`

func writeSession(t *testing.T, dir, name, convID string, texts [][2]string) {
	t.Helper()
	type msg struct {
		ID        string `json:"id"`
		Speaker   string `json:"speaker"`
		Role      string `json:"role"`
		Text      string `json:"text"`
		Timestamp string `json:"timestamp"`
	}
	session := map[string]any{
		"conversation_id": convID,
		"source_platform": "imessage",
	}
	var msgs []msg
	for i, pair := range texts {
		msgs = append(msgs, msg{
			ID:        convID + "-m" + string(rune('1'+i)),
			Speaker:   pair[0],
			Role:      "user",
			Text:      pair[1],
			Timestamp: "2024-03-01T12:0" + string(rune('0'+i)) + ":00Z",
		})
	}
	session["messages"] = msgs
	raw, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestRunner(t *testing.T, sourceDir, root string) (*pipeline.Runner, *canonical.Store) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatal(err)
	}
	store, err := canonical.Open(filepath.Join(root, "canonical.db"), log)
	if err != nil {
		t.Fatalf("open canonical store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cfg, err := config.Parse([]byte(testPipelineYAML))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	r := pipeline.NewRunner(store, cfg, sourceDir, root, "test", log)
	RegisterAll(r)
	return r, store
}

func TestIngestionHappyPath(t *testing.T) {
	sourceDir := t.TempDir()
	root := t.TempDir()
	writeSession(t, sourceDir, "a.json", "conv-a", [][2]string{
		{"alice", "Hi there. How are you today?"},
		{"bob", "Doing great! See you Friday."},
	})
	writeSession(t, sourceDir, "b.json", "conv-b", [][2]string{
		{"carol", "Dentist appointment tomorrow."},
		{"carol", "Do not forget it."},
	})

	r, store := newTestRunner(t, sourceDir, root)
	report, err := r.Run(context.Background(), pipeline.RunOpts{StartStage: -1, EndStage: -1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != pipeline.StatusSuccess {
		t.Fatalf("pipeline status = %q, results %+v", report.Status, report.Results)
	}

	ctx := context.Background()
	counts, err := store.CountEntitiesByLevel(ctx, "entity_unified")
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.LevelConversation] != 2 {
		t.Fatalf("conversations = %d, want 2", counts[domain.LevelConversation])
	}
	// conv-a alternates speakers (2 turns); conv-b is one speaker (1 turn).
	if counts[domain.LevelTurn] != 3 {
		t.Fatalf("turns = %d, want 3", counts[domain.LevelTurn])
	}
	if counts[domain.LevelMessage] != 4 {
		t.Fatalf("messages = %d, want 4", counts[domain.LevelMessage])
	}
	if counts[domain.LevelSentence] < 4 {
		t.Fatalf("sentences = %d, want at least 4", counts[domain.LevelSentence])
	}

	for _, table := range []string{"entity_staging", "entity_unified"} {
		orphans, err := store.OrphanCount(ctx, table)
		if err != nil {
			t.Fatal(err)
		}
		if orphans != 0 {
			t.Fatalf("%s has %d orphans", table, orphans)
		}
		breaches, err := store.ParentLevelViolations(ctx, table)
		if err != nil {
			t.Fatal(err)
		}
		if breaches != 0 {
			t.Fatalf("%s has %d parent-level breaches", table, breaches)
		}
	}
	mismatches, err := store.CountMismatches(ctx, "entity_staging")
	if err != nil {
		t.Fatal(err)
	}
	if mismatches != 0 {
		t.Fatalf("%d child-count mismatches after denormalization", mismatches)
	}
}

func TestIdentityGateIdempotence(t *testing.T) {
	sourceDir := t.TempDir()
	root := t.TempDir()
	writeSession(t, sourceDir, "a.json", "conv-a", [][2]string{
		{"alice", "First message here."},
		{"bob", "Second message here."},
	})

	r, store := newTestRunner(t, sourceDir, root)
	ctx := context.Background()
	if _, err := r.Run(ctx, pipeline.RunOpts{StartStage: -1, EndStage: -1}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := store.ListEntities(ctx, "entity_unified", domain.LevelMessage)
	if err != nil {
		t.Fatal(err)
	}

	// A fresh run over the same input must allocate the same ids.
	if _, err := r.Run(ctx, pipeline.RunOpts{StartStage: -1, EndStage: -1}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, err := store.ListEntities(ctx, "entity_unified", domain.LevelMessage)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("entity count changed across replay: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].EntityID != second[i].EntityID {
			t.Fatalf("entity id drifted on replay: %s vs %s", first[i].EntityID, second[i].EntityID)
		}
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	sourceDir := t.TempDir()
	root := t.TempDir()
	writeSession(t, sourceDir, "a.json", "conv-a", [][2]string{{"alice", "Hello."}})

	r, store := newTestRunner(t, sourceDir, root)
	report, err := r.Run(context.Background(), pipeline.RunOpts{StartStage: -1, EndStage: -1, DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	for _, res := range report.Results {
		if res.Status != pipeline.StatusDryRun {
			t.Fatalf("stage %s status = %q, want dry_run", res.Stage, res.Status)
		}
	}
	counts, err := store.CountEntitiesByLevel(context.Background(), "entity_staging")
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Fatalf("dry run wrote entities: %v", counts)
	}
}
