package stages

import (
	"strings"
	"testing"
	"time"

	"github.com/truthforge/forge/internal/domain"
)

func TestMessageEntityIDDeterministic(t *testing.T) {
	a := MessageEntityID("imessage", "conv-1", "msg-1")
	b := MessageEntityID("imessage", "conv-1", "msg-1")
	if a != b {
		t.Fatalf("same triple produced different ids: %s vs %s", a, b)
	}
	if MessageEntityID("imessage", "conv-1", "msg-2") == a {
		t.Fatal("different messages must get different ids")
	}
	if MessageEntityID("whatsapp", "conv-1", "msg-1") == a {
		t.Fatal("different sources must get different ids")
	}
}

func TestDerivedEntityIDKindsDisjoint(t *testing.T) {
	if DerivedEntityID("span", "x", "0") == DerivedEntityID("word", "x", "0") {
		t.Fatal("span and word id spaces must not collide")
	}
}

func mkMsg(conv, id, speaker, text string, minute int) domain.Message {
	return domain.Message{
		SourcePlatform: "imessage",
		ConversationID: conv,
		MessageID:      id,
		Speaker:        speaker,
		Text:           text,
		EntityID:       MessageEntityID("imessage", conv, id),
		Timestamp:      time.Date(2024, 3, 1, 12, minute, 0, 0, time.UTC),
	}
}

func TestGroupTurnsConsecutiveSameSpeaker(t *testing.T) {
	msgs := []domain.Message{
		mkMsg("c1", "m1", "alice", "hi", 0),
		mkMsg("c1", "m2", "alice", "you there?", 1),
		mkMsg("c1", "m3", "bob", "yes", 2),
		mkMsg("c1", "m4", "alice", "great", 3),
	}
	groups := groupTurns(msgs)
	if len(groups) != 3 {
		t.Fatalf("got %d turns, want 3", len(groups))
	}
	if len(groups[0].Messages) != 2 || groups[0].Speaker != "alice" {
		t.Fatalf("first turn = %+v", groups[0])
	}
	if groups[1].Speaker != "bob" || groups[2].Speaker != "alice" {
		t.Fatal("speaker alternation not preserved")
	}
	for i, g := range groups {
		if g.Index != i {
			t.Fatalf("turn %d has index %d", i, g.Index)
		}
	}
}

func TestGroupTurnsSeparatesConversations(t *testing.T) {
	msgs := []domain.Message{
		mkMsg("c1", "m1", "alice", "hi", 0),
		mkMsg("c2", "m1", "alice", "hello", 0),
	}
	groups := groupTurns(msgs)
	if len(groups) != 2 {
		t.Fatalf("got %d turns, want one per conversation", len(groups))
	}
	if groups[0].ConversationID == groups[1].ConversationID {
		t.Fatal("conversations merged across ids")
	}
}

func TestMessageTurnIndexStable(t *testing.T) {
	msgs := []domain.Message{
		mkMsg("c1", "m1", "alice", "hi", 0),
		mkMsg("c1", "m2", "bob", "hey", 1),
		mkMsg("c1", "m3", "bob", "what's up", 2),
	}
	idx := messageTurnIndex(msgs)
	if idx[msgs[0].EntityID] != 0 || idx[msgs[1].EntityID] != 1 || idx[msgs[2].EntityID] != 1 {
		t.Fatalf("turn index = %v", idx)
	}
}

func TestCleanText(t *testing.T) {
	cases := map[string]string{
		"hello\x00world":  "helloworld",
		"  spaced\t\tout  ":   "spaced out",
		"line\nbreaks\nhere":  "line breaks here",
		"cafe\u0301":        "café",
		"":                    "",
		"\a\b":              "",
	}
	for in, want := range cases {
		if got := CleanText(in); got != want {
			t.Errorf("CleanText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("I saw the doctor. She said rest! Did you hear? Yes.")
	want := []string{"I saw the doctor.", "She said rest!", "Did you hear?", "Yes."}
	if len(got) != len(want) {
		t.Fatalf("got %d sentences %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitSentencesNoTerminator(t *testing.T) {
	got := SplitSentences("just a fragment with no end")
	if len(got) != 1 || got[0] != "just a fragment with no end" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitSentencesLowercaseContinuation(t *testing.T) {
	// "approx. five" should not split: the continuation is lower-case.
	got := SplitSentences("It cost approx. five dollars. Cheap.")
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 sentences", got)
	}
	if !strings.HasPrefix(got[0], "It cost approx. five") {
		t.Fatalf("first sentence = %q", got[0])
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Don't worry, it's 2024!")
	want := []string{"don't", "worry", "it's", "2024"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEffectiveTextPrefersCorrection(t *testing.T) {
	m := domain.Message{Text: "teh cat", CorrectedText: "the cat"}
	if effectiveText(m) != "the cat" {
		t.Fatal("corrected text should win")
	}
	m.CorrectedText = ""
	if effectiveText(m) != "teh cat" {
		t.Fatal("raw text should be the fallback")
	}
}
