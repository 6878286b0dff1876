package dlq

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSendAndCount(t *testing.T) {
	root := t.TempDir()
	q, err := New(root, "enrichment_sentiment")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	rec := map[string]any{"entity_id": "ent-1", "text_preview": "broken"}
	if err := q.Send(rec, errors.New("malformed text"), "enrichment_sentiment", 1); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := q.Send(rec, errors.New("still broken"), "enrichment_sentiment", 2); err != nil {
		t.Fatalf("send: %v", err)
	}

	n, err := q.Count()
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v; want 2", n, err)
	}

	want := filepath.Join(root, "dlq", "enrichment_sentiment_dlq.jsonl")
	if q.Path() != want {
		t.Fatalf("path = %q, want %q", q.Path(), want)
	}

	f, err := os.Open(want)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("expected at least one line")
	}
	var line Record
	if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if line.ErrorMessage != "malformed text" || line.Stage != "enrichment_sentiment" {
		t.Fatalf("unexpected record: %+v", line)
	}
	if line.ErrorClass == "" || line.Stack == "" {
		t.Fatalf("class/stack not populated: %+v", line)
	}
	if line.AttemptCount != 1 {
		t.Fatalf("attempt_count = %d", line.AttemptCount)
	}
}

func TestCountMissingFile(t *testing.T) {
	q, err := New(t.TempDir(), "never_written")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	n, err := q.Count()
	if err != nil || n != 0 {
		t.Fatalf("count = %d, %v; want 0", n, err)
	}
}

func TestSendUnserializableRecord(t *testing.T) {
	q, err := New(t.TempDir(), "weird")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// channels cannot be marshaled; the record is stringified instead.
	if err := q.Send(make(chan int), errors.New("boom"), "weird", 1); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, _ := q.Count()
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}
