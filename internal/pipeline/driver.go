package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/truthforge/forge/internal/logger"
)

const (
	defaultStageTimeout = 300 * time.Second
	longStageTimeout    = 600 * time.Second
	outputCap           = 1 << 20 // per-stream cap on captured child output
	truncationMarker    = "\n--- output truncated ---\n"
)

// longStages run model calls or whole-table merges and get the longer clock.
var longStages = map[int]bool{4: true, 14: true, 16: true}

// SandboxError marks a path that escapes the sandbox root. The CLI maps it
// to exit code 1.
type SandboxError struct {
	Path string
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("security violation: path %q resolves outside the sandbox root", e.Path)
}

// SanitizePath resolves symlinks and verifies the result stays under root.
func SanitizePath(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve sandbox root: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &SandboxError{Path: path}
	}
	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &SandboxError{Path: path}
	}
	return resolved, nil
}

// Driver runs a stage in a child process with a wall-clock bound and capped
// output capture. It exists for stages that shell out, chiefly the LLM text
// correction, and for operators replaying a single stage by hand.
type Driver struct {
	SandboxRoot string
	Log         *logger.Logger
}

// ChildResult carries the captured, possibly truncated, output streams.
type ChildResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

func StageTimeout(n int) time.Duration {
	if longStages[n] {
		return longStageTimeout
	}
	return defaultStageTimeout
}

// Exec runs argv with the run id in the environment. Path arguments must be
// sanitized by the caller through SanitizePath before they reach argv.
func (d *Driver) Exec(ctx context.Context, runID string, stageNum int, argv []string) (*ChildResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	timeout := StageTimeout(stageNum)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, err := os.CreateTemp("", "forge-stage-*.out")
	if err != nil {
		return nil, fmt.Errorf("create stdout capture: %w", err)
	}
	defer func() {
		stdout.Close()
		os.Remove(stdout.Name())
	}()
	stderr, err := os.CreateTemp("", "forge-stage-*.err")
	if err != nil {
		return nil, fmt.Errorf("create stderr capture: %w", err)
	}
	defer func() {
		stderr.Close()
		os.Remove(stderr.Name())
	}()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Stdout = &cappedWriter{w: stdout, limit: outputCap}
	cmd.Stderr = &cappedWriter{w: stderr, limit: outputCap}
	cmd.Env = append(os.Environ(), "FORGE_RUN_ID="+runID)

	start := time.Now()
	runErr := cmd.Run()
	res := &ChildResult{
		Duration: time.Since(start),
		TimedOut: cctx.Err() == context.DeadlineExceeded,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	res.Stdout = readCapture(stdout)
	res.Stderr = readCapture(stderr)

	if res.TimedOut {
		return res, fmt.Errorf("stage %d timed out after %s", stageNum, timeout)
	}
	if runErr != nil {
		return res, fmt.Errorf("stage %d child: %w", stageNum, runErr)
	}
	return res, nil
}

// cappedWriter stops writing after limit bytes and appends the truncation
// marker exactly once, so a noisy child cannot fill the disk.
type cappedWriter struct {
	w         *os.File
	limit     int
	written   int
	truncated bool
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if c.written >= c.limit {
		if !c.truncated {
			c.truncated = true
			c.w.WriteString(truncationMarker)
		}
		return len(p), nil
	}
	room := c.limit - c.written
	if len(p) > room {
		if _, err := c.w.Write(p[:room]); err != nil {
			return 0, err
		}
		c.written = c.limit
		c.truncated = true
		c.w.WriteString(truncationMarker)
		return len(p), nil
	}
	n, err := c.w.Write(p)
	c.written += n
	return n, err
}

func readCapture(f *os.File) string {
	if _, err := f.Seek(0, 0); err != nil {
		return ""
	}
	buf, err := os.ReadFile(f.Name())
	if err != nil {
		return ""
	}
	return string(buf)
}
