package stages

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/pipeline"
	"github.com/truthforge/forge/internal/store/canonical"
)

// effectiveText prefers the model-corrected rendition when one exists.
func effectiveText(m domain.Message) string {
	if m.CorrectedText != "" {
		return m.CorrectedText
	}
	return m.Text
}

func conversationEntityID(source, conversationID string) string {
	return DerivedEntityID("conversation", source, conversationID)
}

func turnEntityID(source, conversationID string, index int) string {
	return DerivedEntityID("turn", source, conversationID, strconv.Itoa(index))
}

// turnGroup is one run of consecutive same-speaker messages.
type turnGroup struct {
	Source         string
	ConversationID string
	Index          int
	Speaker        string
	Messages       []domain.Message
}

// groupTurns splits each conversation's message sequence into consecutive
// same-speaker runs. The grouping is deterministic over staged-message
// order, so every stage that re-derives it sees identical turns.
func groupTurns(msgs []domain.Message) []turnGroup {
	byConv := make(map[string][]domain.Message)
	var convs []string
	for _, m := range msgs {
		key := m.SourcePlatform + "|" + m.ConversationID
		if _, seen := byConv[key]; !seen {
			convs = append(convs, key)
		}
		byConv[key] = append(byConv[key], m)
	}
	sort.Strings(convs)

	var out []turnGroup
	for _, key := range convs {
		var current *turnGroup
		index := 0
		for _, m := range byConv[key] {
			if current == nil || current.Speaker != m.Speaker {
				if current != nil {
					out = append(out, *current)
				}
				current = &turnGroup{
					Source:         m.SourcePlatform,
					ConversationID: m.ConversationID,
					Index:          index,
					Speaker:        m.Speaker,
				}
				index++
			}
			current.Messages = append(current.Messages, m)
		}
		if current != nil {
			out = append(out, *current)
		}
	}
	return out
}

// messageTurnIndex maps each message entity id to its turn index.
func messageTurnIndex(msgs []domain.Message) map[string]int {
	idx := make(map[string]int, len(msgs))
	for _, g := range groupTurns(msgs) {
		for _, m := range g.Messages {
			idx[m.EntityID] = g.Index
		}
	}
	return idx
}

type stagedReader struct {
	env pipeline.StageEnv
}

func (r stagedReader) readStaged(ctx context.Context) ([]domain.Message, error) {
	return r.env.Store.ListMessages(ctx, canonical.TableStaged, r.env.RunID)
}

// Conversations rolls staged messages up into level-8 entities.
type Conversations struct {
	stagedReader
}

func NewConversations(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Conversations{stagedReader{env: env}}, nil
}

func (s *Conversations) Name() string { return "conversations" }

// conversationGroup carries one conversation's messages through transform.
type conversationGroup struct {
	Source         string
	ConversationID string
	Messages       []domain.Message
}

func (s *Conversations) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	msgs, err := s.readStaged(ctx)
	if err != nil {
		return nil, err
	}
	byConv := make(map[string]*conversationGroup)
	var keys []string
	for _, m := range msgs {
		key := m.SourcePlatform + "|" + m.ConversationID
		g, ok := byConv[key]
		if !ok {
			g = &conversationGroup{Source: m.SourcePlatform, ConversationID: m.ConversationID}
			byConv[key] = g
			keys = append(keys, key)
		}
		g.Messages = append(g.Messages, m)
	}
	sort.Strings(keys)
	out := make([]pipeline.Record, 0, len(keys))
	for _, key := range keys {
		out = append(out, *byConv[key])
	}
	return out, nil
}

func (s *Conversations) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	g := rec.(conversationGroup)
	participants := make(map[string]bool)
	for _, m := range g.Messages {
		if m.Speaker != "" {
			participants[m.Speaker] = true
		}
	}
	first, last := g.Messages[0], g.Messages[len(g.Messages)-1]
	s.env.Log.Debug("conversation rolled up",
		"conversation_id", g.ConversationID,
		"participants", len(participants),
		"start", first.Timestamp, "end", last.Timestamp)
	return domain.Entity{
		EntityID:       conversationEntityID(g.Source, g.ConversationID),
		Level:          domain.LevelConversation,
		SourcePlatform: g.Source,
		EntityType:     "conversation",
		ConversationID: g.ConversationID,
	}, nil
}

func (s *Conversations) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	return writeEntities(ctx, s.env, recs)
}

// Turns groups consecutive same-speaker messages into level-6 entities.
type Turns struct {
	stagedReader
}

func NewTurns(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Turns{stagedReader{env: env}}, nil
}

func (s *Turns) Name() string { return "turns" }

func (s *Turns) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	msgs, err := s.readStaged(ctx)
	if err != nil {
		return nil, err
	}
	groups := groupTurns(msgs)
	out := make([]pipeline.Record, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	return out, nil
}

func (s *Turns) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	g := rec.(turnGroup)
	texts := make([]string, 0, len(g.Messages))
	for _, m := range g.Messages {
		texts = append(texts, effectiveText(m))
	}
	return domain.Entity{
		EntityID:       turnEntityID(g.Source, g.ConversationID, g.Index),
		Level:          domain.LevelTurn,
		ParentID:       conversationEntityID(g.Source, g.ConversationID),
		Text:           strings.Join(texts, " "),
		SourcePlatform: g.Source,
		EntityType:     "turn",
		ConversationID: g.ConversationID,
	}, nil
}

func (s *Turns) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	return writeEntities(ctx, s.env, recs)
}

// Messages promotes staged messages to canonical level-5 entities under
// their turns. The message entity keeps the id the identity gate allocated.
type Messages struct {
	stagedReader
	turnIdx map[string]int
}

func NewMessages(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Messages{stagedReader: stagedReader{env: env}}, nil
}

func (s *Messages) Name() string { return "messages" }

func (s *Messages) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	msgs, err := s.readStaged(ctx)
	if err != nil {
		return nil, err
	}
	s.turnIdx = messageTurnIndex(msgs)
	out := make([]pipeline.Record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m)
	}
	return out, nil
}

func (s *Messages) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	m := rec.(domain.Message)
	return domain.Entity{
		EntityID:       m.EntityID,
		Level:          domain.LevelMessage,
		ParentID:       turnEntityID(m.SourcePlatform, m.ConversationID, s.turnIdx[m.EntityID]),
		Text:           effectiveText(m),
		SourcePlatform: m.SourcePlatform,
		EntityType:     "message",
		ConversationID: m.ConversationID,
		MessageID:      m.MessageID,
	}, nil
}

func (s *Messages) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	return writeEntities(ctx, s.env, recs)
}

func writeEntities(ctx context.Context, env pipeline.StageEnv, recs []pipeline.Record) (int, error) {
	entities := make([]domain.Entity, 0, len(recs))
	for _, rec := range recs {
		entities = append(entities, rec.(domain.Entity))
	}
	if err := env.Store.UpsertEntities(ctx, entities); err != nil {
		return 0, err
	}
	return len(entities), nil
}
