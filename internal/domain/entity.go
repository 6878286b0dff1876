package domain

import "time"

// Level encodes the grain of an entity in the ingestion hierarchy. Higher is
// coarser: a conversation contains turns, turns contain messages, and so on
// down to single words.
const (
	LevelConversation = 8
	LevelTurn         = 6
	LevelMessage      = 5
	LevelSentence     = 4
	LevelSpan         = 3
	LevelWord         = 2
)

// Entity is one row of entity_unified (or its staging twin). ParentID refers
// to the entity exactly one level above; it is empty only at the top level.
type Entity struct {
	EntityID       string    `json:"entity_id"`
	Level          int       `json:"level"`
	ParentID       string    `json:"parent_id,omitempty"`
	Text           string    `json:"text,omitempty"`
	SourcePlatform string    `json:"source_platform"`
	EntityType     string    `json:"entity_type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	ChildCount     int       `json:"child_count"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is the record shape flowing through stages 1-4, before the
// hierarchy is built. EntityID is empty until the identity gate assigns it.
type Message struct {
	SourcePlatform string    `json:"source_platform"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Speaker        string    `json:"speaker"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	CorrectedText  string    `json:"corrected_text,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	SourceFile     string    `json:"source_file,omitempty"`
	EntityID       string    `json:"entity_id,omitempty"`
}

// ChildLevel returns the level one step finer than l, or 0 when l is already
// the finest grain. Turns sit at 6 with messages at 5, so the hierarchy is
// not contiguous.
func ChildLevel(l int) int {
	switch l {
	case LevelConversation:
		return LevelTurn
	case LevelTurn:
		return LevelMessage
	case LevelMessage:
		return LevelSentence
	case LevelSentence:
		return LevelSpan
	case LevelSpan:
		return LevelWord
	default:
		return 0
	}
}

// ParentLevel is the inverse of ChildLevel; 0 means top.
func ParentLevel(l int) int {
	switch l {
	case LevelTurn:
		return LevelConversation
	case LevelMessage:
		return LevelTurn
	case LevelSentence:
		return LevelMessage
	case LevelSpan:
		return LevelSentence
	case LevelWord:
		return LevelSpan
	default:
		return 0
	}
}
