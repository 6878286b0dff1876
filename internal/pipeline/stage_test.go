package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/truthforge/forge/internal/logger"
)

type fakeStage struct {
	name      string
	input     []Record
	readErr   error
	transform func(Record) (Record, error)
	writeErr  error
	written   []Record
}

func (f *fakeStage) Name() string { return f.name }

func (f *fakeStage) ReadInput(ctx context.Context) ([]Record, error) {
	return f.input, f.readErr
}

func (f *fakeStage) Transform(ctx context.Context, rec Record) (Record, error) {
	if f.transform != nil {
		return f.transform(rec)
	}
	return rec, nil
}

func (f *fakeStage) WriteOutput(ctx context.Context, recs []Record) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = recs
	return len(recs), nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestRunStageSuccess(t *testing.T) {
	st := &fakeStage{name: "noop", input: []Record{1, 2, 3}}
	res := RunStage(context.Background(), st, testLogger(t))
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}
	if res.RecordsIn != 3 || res.RecordsOut != 3 || res.ErrorCount != 0 {
		t.Fatalf("counts = in %d out %d err %d", res.RecordsIn, res.RecordsOut, res.ErrorCount)
	}
}

func TestRunStageDropExcludesWithoutError(t *testing.T) {
	st := &fakeStage{
		name:  "dropper",
		input: []Record{1, 2, 3, 4},
		transform: func(rec Record) (Record, error) {
			if rec.(int)%2 == 0 {
				return nil, ErrDrop
			}
			return rec, nil
		},
	}
	res := RunStage(context.Background(), st, testLogger(t))
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}
	if res.RecordsOut != 2 || res.ErrorCount != 0 {
		t.Fatalf("out = %d errors = %d, want 2 and 0", res.RecordsOut, res.ErrorCount)
	}
}

func TestRunStagePerRecordErrorsMakePartial(t *testing.T) {
	st := &fakeStage{
		name:  "flaky",
		input: []Record{1, 2, 3},
		transform: func(rec Record) (Record, error) {
			if rec.(int) == 2 {
				return nil, fmt.Errorf("bad record")
			}
			return rec, nil
		},
	}
	res := RunStage(context.Background(), st, testLogger(t))
	if res.Status != StatusPartial {
		t.Fatalf("status = %q, want partial", res.Status)
	}
	if res.ErrorCount != 1 || res.RecordsOut != 2 {
		t.Fatalf("errors = %d out = %d", res.ErrorCount, res.RecordsOut)
	}
}

func TestRunStageReadFailureFails(t *testing.T) {
	st := &fakeStage{name: "broken", readErr: errors.New("no input")}
	res := RunStage(context.Background(), st, testLogger(t))
	if res.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.Error == "" {
		t.Fatal("expected error message on failed result")
	}
}

func TestRunStageWriteFailureFails(t *testing.T) {
	st := &fakeStage{name: "broken", input: []Record{1}, writeErr: errors.New("disk full")}
	res := RunStage(context.Background(), st, testLogger(t))
	if res.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
}
