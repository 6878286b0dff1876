package stages

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/pipeline"
	"github.com/truthforge/forge/internal/store/canonical"
)

// nsForge is the namespace for every deterministic entity id. Deriving ids
// with uuid.NewSHA1 makes the identity gate idempotent: replaying the same
// triple always yields the same id, and the upsert makes the write a no-op.
var nsForge = uuid.NewSHA1(uuid.NameSpaceOID, []byte("truthforge.entity"))

// MessageEntityID allocates the id for one (source, conversation, message)
// triple. Only the identity gate and the hierarchy stages that re-derive
// their parents may call this.
func MessageEntityID(source, conversationID, messageID string) string {
	return uuid.NewSHA1(nsForge, []byte(fmt.Sprintf("message|%s|%s|%s", source, conversationID, messageID))).String()
}

// DerivedEntityID allocates ids for entities above and below the message
// level. The kind keeps conversation, turn, sentence, span and word ids in
// disjoint spaces even when their seeds coincide.
func DerivedEntityID(kind string, parts ...string) string {
	seed := kind
	for _, p := range parts {
		seed += "|" + p
	}
	return uuid.NewSHA1(nsForge, []byte(seed)).String()
}

// IdentityGate allocates a stable entity_id for every distinct message
// triple. Output is the first table to carry entity ids.
type IdentityGate struct {
	env pipeline.StageEnv
}

func NewIdentityGate(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &IdentityGate{env: env}, nil
}

func (s *IdentityGate) Name() string { return "identity_gate" }

func (s *IdentityGate) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	msgs, err := s.env.Store.ListMessages(ctx, canonical.TableClean, s.env.RunID)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.Record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m)
	}
	return out, nil
}

func (s *IdentityGate) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	m := rec.(domain.Message)
	if m.SourcePlatform == "" || m.ConversationID == "" || m.MessageID == "" {
		return nil, fmt.Errorf("message %q missing identity triple", m.MessageID)
	}
	m.EntityID = MessageEntityID(m.SourcePlatform, m.ConversationID, m.MessageID)
	return m, nil
}

func (s *IdentityGate) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	msgs := make([]domain.Message, 0, len(recs))
	for _, rec := range recs {
		msgs = append(msgs, rec.(domain.Message))
	}
	if err := s.env.Store.UpsertIdentifiedMessages(ctx, s.env.RunID, msgs); err != nil {
		return 0, err
	}
	return len(msgs), nil
}
