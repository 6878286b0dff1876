package stages

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/pipeline"
	"github.com/truthforge/forge/internal/store/canonical"
)

// Extract parses each manifested session file into raw message records.
type Extract struct {
	env pipeline.StageEnv
}

func NewExtract(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Extract{env: env}, nil
}

func (s *Extract) Name() string { return "extract" }

func (s *Extract) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	entries, err := loadManifest(s.env.Root, s.env.RunID)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *Extract) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	entry := rec.(FileEntry)
	msgs, err := parseSessionFile(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(entry.Path), err)
	}
	if len(msgs) == 0 {
		return nil, pipeline.ErrDrop
	}
	return msgs, nil
}

func (s *Extract) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	var flat []domain.Message
	for _, rec := range recs {
		flat = append(flat, rec.([]domain.Message)...)
	}
	if err := s.env.Store.ResetRun(ctx, canonical.TableRaw, s.env.RunID); err != nil {
		return 0, err
	}
	if err := s.env.Store.InsertMessages(ctx, canonical.TableRaw, s.env.RunID, flat); err != nil {
		return 0, err
	}
	return len(flat), nil
}

// sessionFile is the JSON shape of one exported conversation.
type sessionFile struct {
	ConversationID string           `json:"conversation_id"`
	SourcePlatform string           `json:"source_platform"`
	Platform       string           `json:"platform"`
	Messages       []sessionMessage `json:"messages"`
}

type sessionMessage struct {
	ID             string `json:"id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SourcePlatform string `json:"source_platform"`
	Speaker        string `json:"speaker"`
	Role           string `json:"role"`
	Text           string `json:"text"`
	Timestamp      string `json:"timestamp"`
}

func parseSessionFile(path string) ([]domain.Message, error) {
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return parseJSONLines(path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf sessionFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, err
	}
	platform := sf.SourcePlatform
	if platform == "" {
		platform = sf.Platform
	}
	var out []domain.Message
	for i, sm := range sf.Messages {
		m, err := sm.toMessage(platform, sf.ConversationID, path, i)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func parseJSONLines(path string) ([]domain.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []domain.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var sm sessionMessage
		if err := json.Unmarshal([]byte(text), &sm); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		m, err := sm.toMessage(sm.SourcePlatform, sm.ConversationID, path, line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, sc.Err()
}

func (sm sessionMessage) toMessage(platform, convID, path string, ordinal int) (domain.Message, error) {
	id := sm.MessageID
	if id == "" {
		id = sm.ID
	}
	if id == "" {
		id = fmt.Sprintf("%s#%d", filepath.Base(path), ordinal)
	}
	if convID == "" {
		convID = sm.ConversationID
	}
	m := domain.Message{
		SourcePlatform: platform,
		ConversationID: convID,
		MessageID:      id,
		Speaker:        sm.Speaker,
		Role:           sm.Role,
		Text:           sm.Text,
		SourceFile:     path,
	}
	if sm.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, sm.Timestamp)
		if err != nil {
			return m, fmt.Errorf("message %s: bad timestamp %q", id, sm.Timestamp)
		}
		m.Timestamp = ts.UTC()
	}
	return m, nil
}
