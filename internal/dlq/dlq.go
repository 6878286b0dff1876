package dlq

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"
)

// Record is one quarantined line. The original record is kept opaque so any
// stage can park whatever shape it was processing.
type Record struct {
	Record       any       `json:"record"`
	ErrorClass   string    `json:"error_class"`
	ErrorMessage string    `json:"error_message"`
	Stack        string    `json:"stack"`
	Stage        string    `json:"stage"`
	AttemptCount int       `json:"attempt_count"`
	FirstFailure time.Time `json:"first_failure"`
	LastFailure  time.Time `json:"last_failure"`
}

// Queue is an append-only JSONL sink, one file per pipeline stage. The DLQ is
// a hard dependency: if it cannot be written the caller must find out.
type Queue struct {
	mu   sync.Mutex
	path string
}

// New creates the dlq directory under root if needed and returns the queue
// for the named stage.
func New(root, stage string) (*Queue, error) {
	dir := filepath.Join(root, "dlq")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq dir: %w", err)
	}
	return &Queue{path: filepath.Join(dir, stage+"_dlq.jsonl")}, nil
}

// Path returns the backing file path.
func (q *Queue) Path() string { return q.path }

// Send appends one line. Errors propagate so upper layers can react.
func (q *Queue) Send(record any, cause error, stage string, attemptCount int) error {
	now := time.Now().UTC()
	line := Record{
		Record:       record,
		ErrorClass:   fmt.Sprintf("%T", cause),
		ErrorMessage: errMsg(cause),
		Stack:        string(debug.Stack()),
		Stage:        stage,
		AttemptCount: attemptCount,
		FirstFailure: now,
		LastFailure:  now,
	}
	raw, err := json.Marshal(line)
	if err != nil {
		// The original record may not be serializable; keep the failure
		// visible rather than dropping it on the floor.
		line.Record = fmt.Sprintf("%v", record)
		raw, err = json.Marshal(line)
		if err != nil {
			return fmt.Errorf("marshal dlq record: %w", err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open dlq: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append dlq: %w", err)
	}
	return nil
}

// Count returns the number of quarantined records.
func (q *Queue) Count() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
