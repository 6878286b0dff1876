package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/truthforge/forge/internal/pipeline"
)

// FileEntry is one manifested session file.
type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Discover scans the source directory for session files and writes a run
// manifest. It never touches the canonical store.
type Discover struct {
	env pipeline.StageEnv
}

func NewDiscover(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Discover{env: env}, nil
}

func (s *Discover) Name() string { return "discover" }

func manifestPath(root, runID string) string {
	return filepath.Join(root, "runs", runID, "manifest.json")
}

func (s *Discover) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	var out []pipeline.Record
	err := filepath.WalkDir(s.env.SourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".json" && ext != ".jsonl" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, FileEntry{Path: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.env.SourceDir, err)
	}
	return out, nil
}

func (s *Discover) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	entry := rec.(FileEntry)
	if entry.Size == 0 {
		return nil, pipeline.ErrDrop
	}
	resolved, err := pipeline.SanitizePath(s.env.SourceDir, entry.Path)
	if err != nil {
		return nil, err
	}
	entry.Path = resolved
	return entry, nil
}

func (s *Discover) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	entries := make([]FileEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, rec.(FileEntry))
	}
	path := manifestPath(s.env.Root, s.env.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return 0, fmt.Errorf("write manifest: %w", err)
	}
	return len(entries), nil
}

func loadManifest(root, runID string) ([]FileEntry, error) {
	raw, err := os.ReadFile(manifestPath(root, runID))
	if err != nil {
		return nil, fmt.Errorf("load manifest (run discover first): %w", err)
	}
	var entries []FileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return entries, nil
}
