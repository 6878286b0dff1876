package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGetExitCode(t *testing.T) {
	if got := GetExitCode(nil); got != ExitSuccess {
		t.Fatalf("nil error: code = %d", got)
	}
	if got := GetExitCode(errors.New("unknown flag")); got != ExitConfigError {
		t.Fatalf("unclassified error: code = %d, want %d", got, ExitConfigError)
	}
	err := WrapExitError(ExitRuntimeError, "stage 4 failed", errors.New("boom"))
	if got := GetExitCode(fmt.Errorf("run: %w", err)); got != ExitRuntimeError {
		t.Fatalf("wrapped exit error: code = %d, want %d", got, ExitRuntimeError)
	}
}

func TestEnrichRejectsUnknownMode(t *testing.T) {
	_, err := runCommand(t, "enrich", "sentiment", "--mode", "bogus")
	if err == nil {
		t.Fatal("unknown mode accepted")
	}
	if GetExitCode(err) != ExitConfigError {
		t.Fatalf("exit code = %d, want %d", GetExitCode(err), ExitConfigError)
	}
}

func TestCoverageExpandRequiresTarget(t *testing.T) {
	_, err := runCommand(t, "coverage", "--expand")
	if err == nil {
		t.Fatal("--expand without --target-pct accepted")
	}
	if GetExitCode(err) != ExitConfigError {
		t.Fatalf("exit code = %d, want %d", GetExitCode(err), ExitConfigError)
	}
}

func TestPipelineRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(cfgPath, []byte("stages: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FORGE_ROOT", dir)
	t.Setenv("FORGE_DB_PATH", filepath.Join(dir, "forge.duckdb"))

	_, err := runCommand(t, "pipeline", "--config", cfgPath, "--source-dir", dir)
	if err == nil {
		t.Fatal("config without a pipeline name accepted")
	}
	if GetExitCode(err) != ExitConfigError {
		t.Fatalf("exit code = %d, want %d: %v", GetExitCode(err), ExitConfigError, err)
	}
}

func TestParseIntList(t *testing.T) {
	got, err := parseIntList(" 0, 1,13 ")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 13 {
		t.Fatalf("parsed %v", got)
	}
	if _, err := parseIntList("1,x"); err == nil {
		t.Fatal("junk accepted")
	}
	if got, err := parseIntList(""); err != nil || got != nil {
		t.Fatalf("empty input: %v %v", got, err)
	}
}

func TestEnrichHelpListsPasses(t *testing.T) {
	out, err := runCommand(t, "enrich", "--help")
	if err != nil {
		t.Fatal(err)
	}
	for _, pass := range []string{"sentiment", "toxicity", "fine_grained"} {
		if !strings.Contains(out, pass) {
			t.Fatalf("help does not mention %q:\n%s", pass, out)
		}
	}
}
