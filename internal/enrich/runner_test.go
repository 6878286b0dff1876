package enrich

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/truthforge/forge/internal/dlq"
	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/store/canonical"
)

func newTestStore(t *testing.T) (*canonical.Store, *logger.Logger) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatal(err)
	}
	store, err := canonical.Open(filepath.Join(t.TempDir(), "canonical.db"), log)
	if err != nil {
		t.Fatalf("open canonical store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, log
}

func seedEntities(t *testing.T, store *canonical.Store, entities []domain.Entity) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertEntities(ctx, entities); err != nil {
		t.Fatalf("seed entities: %v", err)
	}
	if _, err := store.PromoteEntities(ctx); err != nil {
		t.Fatalf("promote entities: %v", err)
	}
}

func messageEntity(id, text string) domain.Entity {
	return domain.Entity{
		EntityID:       id,
		Level:          domain.LevelMessage,
		Text:           text,
		SourcePlatform: "imessage",
		EntityType:     "message",
		ConversationID: "conv-1",
		MessageID:      id,
	}
}

func TestRunnerNullOnlySkipsEnrichedRows(t *testing.T) {
	store, log := newTestStore(t)
	root := t.TempDir()
	seedEntities(t, store, []domain.Entity{
		messageEntity("m1", "I love this wonderful day"),
		messageEntity("m2", "terrible awful news, I hate it"),
	})

	r := NewRunner(Deps{Store: store, Log: log}, root)
	ctx := context.Background()

	first, err := r.Run(ctx, RunOpts{Pass: "sentiment"})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Selected != 2 || first.Enriched != 2 || first.Failed != 0 {
		t.Fatalf("first run: %+v", first)
	}

	second, err := r.Run(ctx, RunOpts{Pass: "sentiment"})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Selected != 0 {
		t.Fatalf("null-only reselected %d rows", second.Selected)
	}

	forced, err := r.Run(ctx, RunOpts{Pass: "sentiment", Mode: ModeOverwrite})
	if err != nil {
		t.Fatalf("overwrite run: %v", err)
	}
	if forced.Selected != 2 || forced.Enriched != 2 {
		t.Fatalf("overwrite run: %+v", forced)
	}

	cov, err := store.Coverage(ctx, "sentiment", "sentiment_enriched_at", []int{domain.LevelMessage})
	if err != nil {
		t.Fatal(err)
	}
	if cov.Enriched != 2 {
		t.Fatalf("coverage after runs: %+v", cov)
	}
}

func TestRunnerQuarantinesBadRecordsAndContinues(t *testing.T) {
	store, log := newTestStore(t)
	root := t.TempDir()
	seedEntities(t, store, []domain.Entity{
		messageEntity("good", "what a great and happy morning"),
		messageEntity("bad", "!!! ???"),
	})

	r := NewRunner(Deps{Store: store, Log: log}, root)
	report, err := r.Run(context.Background(), RunOpts{Pass: "sentiment"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Enriched != 1 || report.Failed != 1 {
		t.Fatalf("report: %+v", report)
	}

	q, err := dlq.New(root, "enrichment_sentiment")
	if err != nil {
		t.Fatal(err)
	}
	n, err := q.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("dlq holds %d records, want 1", n)
	}
}

func TestRunnerDryRunWritesNothing(t *testing.T) {
	store, log := newTestStore(t)
	seedEntities(t, store, []domain.Entity{messageEntity("m1", "hello there friend")})

	r := NewRunner(Deps{Store: store, Log: log}, t.TempDir())
	ctx := context.Background()
	report, err := r.Run(ctx, RunOpts{Pass: "sentiment", DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if report.Selected != 1 || report.Enriched != 0 {
		t.Fatalf("dry run report: %+v", report)
	}
	if report.SelectionSQL == "" {
		t.Fatal("dry run must expose the selection query")
	}

	cov, err := store.Coverage(ctx, "sentiment", "sentiment_enriched_at", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cov.Enriched != 0 {
		t.Fatalf("dry run wrote %d rows", cov.Enriched)
	}
}

func TestRunnerRejectsForeignLevels(t *testing.T) {
	store, log := newTestStore(t)
	r := NewRunner(Deps{Store: store, Log: log}, t.TempDir())
	_, err := r.Run(context.Background(), RunOpts{Pass: "sentiment", Levels: []int{domain.LevelConversation}})
	if err == nil {
		t.Fatal("sentiment accepted a conversation-level run")
	}
}

func TestWithRetryBacksOffOnTransientOnly(t *testing.T) {
	r := &Runner{}
	report := &Report{}

	attempts := 0
	err := r.withRetry(context.Background(), report, func() error {
		attempts++
		if attempts < 3 {
			return &ModelError{Status: 503, Body: "busy"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transient failure not retried away: %v", err)
	}
	if attempts != 3 || report.Retried != 2 {
		t.Fatalf("attempts = %d, retried = %d", attempts, report.Retried)
	}

	attempts = 0
	dataErr := fmt.Errorf("unparseable record")
	err = r.withRetry(context.Background(), report, func() error {
		attempts++
		return dataErr
	})
	if !errors.Is(err, dataErr) || attempts != 1 {
		t.Fatalf("data error retried: attempts = %d, err = %v", attempts, err)
	}
}

func TestTransientClassification(t *testing.T) {
	if transient(&ModelError{Status: 400}) {
		t.Fatal("client error classified transient")
	}
	if !transient(&ModelError{Status: 429}) {
		t.Fatal("rate limit not classified transient")
	}
	if !transient(fmt.Errorf("wrapped: %w", &ModelError{Status: 500})) {
		t.Fatal("wrapped server error not classified transient")
	}
	if transient(errors.New("plain")) {
		t.Fatal("plain error classified transient")
	}
}

func TestCoverageBands(t *testing.T) {
	cases := []struct {
		ratio float64
		want  string
	}{
		{0.95, "excellent"}, {0.80, "excellent"},
		{0.79, "good"}, {0.50, "good"},
		{0.49, "partial"}, {0.20, "partial"},
		{0.19, "low"}, {0, "low"},
	}
	for _, tc := range cases {
		if got := Band(tc.ratio); got != tc.want {
			t.Errorf("Band(%v) = %q, want %q", tc.ratio, got, tc.want)
		}
	}
}

func TestExpanderFillsTowardTarget(t *testing.T) {
	store, log := newTestStore(t)
	seedEntities(t, store, []domain.Entity{
		messageEntity("m1", "one"),
		messageEntity("m2", "two"),
		messageEntity("m3", "three"),
		messageEntity("m4", "four"),
	})

	e := NewExpander(store, log)
	ctx := context.Background()

	dry, err := e.Expand(ctx, 50, nil, true)
	if err != nil {
		t.Fatalf("dry expand: %v", err)
	}
	if dry.Candidates != 2 || dry.Created != 0 {
		t.Fatalf("dry expand: %+v", dry)
	}

	applied, err := e.Expand(ctx, 50, []Priority{{Level: domain.LevelMessage}}, false)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if applied.Created != 2 {
		t.Fatalf("expand created %d shells, want 2", applied.Created)
	}
	if applied.EndPct < 50 {
		t.Fatalf("end coverage %.1f%%, want >= 50", applied.EndPct)
	}

	global, err := store.GlobalCoverage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if global.Enriched != 2 {
		t.Fatalf("global enriched = %d, want 2", global.Enriched)
	}
}

func TestMonitorReportViews(t *testing.T) {
	store, log := newTestStore(t)
	root := t.TempDir()
	seedEntities(t, store, []domain.Entity{
		messageEntity("m1", "I love this happy day"),
		messageEntity("m2", "plain words here"),
	})
	r := NewRunner(Deps{Store: store, Log: log}, root)
	if _, err := r.Run(context.Background(), RunOpts{Pass: "sentiment"}); err != nil {
		t.Fatal(err)
	}

	rep, err := NewMonitor(store).Report(context.Background())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.Global.Eligible != 2 || rep.Global.Enriched != 2 {
		t.Fatalf("global view: %+v", rep.Global)
	}
	if len(rep.ByLevel) == 0 || len(rep.BySource) == 0 {
		t.Fatal("dimension views missing")
	}
	var polarity *ColumnStat
	for i := range rep.ByColumn {
		if rep.ByColumn[i].Column == "textblob_polarity" {
			polarity = &rep.ByColumn[i]
		}
	}
	if polarity == nil || polarity.Filled != 2 {
		t.Fatalf("polarity column coverage wrong: %+v", polarity)
	}
}
