package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/orsinium-labs/stopwords"

	"github.com/truthforge/forge/internal/store/canonical"
)

const lexicalVersion = "go-lex-1"

// Small opinion lexicons. These follow the flavor of the original lexical
// scorers; precision is bounded by lexicon size, which is acceptable for the
// null-only default mode where a later model pass can overwrite.
var positiveWords = map[string]bool{
	"good": true, "great": true, "love": true, "happy": true, "excellent": true,
	"wonderful": true, "best": true, "thanks": true, "thank": true, "awesome": true,
	"nice": true, "glad": true, "perfect": true, "fun": true, "amazing": true,
	"beautiful": true, "enjoy": true, "excited": true, "yes": true, "win": true,
}

var negativeWords = map[string]bool{
	"bad": true, "hate": true, "terrible": true, "awful": true, "sad": true,
	"angry": true, "worst": true, "wrong": true, "problem": true, "sorry": true,
	"no": true, "never": true, "annoying": true, "horrible": true, "fail": true,
	"sick": true, "hurt": true, "worried": true, "afraid": true, "lose": true,
}

var subjectiveWords = map[string]bool{
	"think": true, "feel": true, "believe": true, "maybe": true, "probably": true,
	"seems": true, "guess": true, "hope": true, "wish": true, "should": true,
	"opinion": true, "hate": true, "love": true, "awful": true, "amazing": true,
}

func tokenizeLower(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '\'' {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// sentiment scores polarity and subjectivity from the opinion lexicons.
type sentiment struct{}

func newSentiment(Deps) (Pass, error) { return sentiment{}, nil }

func (sentiment) Descriptor() Descriptor {
	return Descriptor{
		Name:         "sentiment",
		Stamp:        "sentiment_enriched_at",
		Levels:       textLevels,
		OwnedColumns: []string{"textblob_polarity", "textblob_subjectivity", "textblob_version"},
	}
}

func (sentiment) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	tokens := tokenizeLower(t.Text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("entity %s has no scorable text", t.EntityID)
	}
	var pos, neg, subj int
	for _, tok := range tokens {
		if positiveWords[tok] {
			pos++
		}
		if negativeWords[tok] {
			neg++
		}
		if subjectiveWords[tok] {
			subj++
		}
	}
	polarity := 0.0
	if pos+neg > 0 {
		polarity = float64(pos-neg) / float64(pos+neg)
	}
	return map[string]any{
		"textblob_polarity":     polarity,
		"textblob_subjectivity": float64(subj) / float64(len(tokens)),
		"textblob_version":      lexicalVersion,
	}, nil
}

// readability computes the standard readability formulas in-process.
type readability struct{}

func newReadability(Deps) (Pass, error) { return readability{}, nil }

func (readability) Descriptor() Descriptor {
	return Descriptor{
		Name:   "readability",
		Stamp:  "readability_enriched_at",
		Levels: textLevels,
		OwnedColumns: []string{
			"textstat_flesch_reading_ease", "textstat_flesch_kincaid_grade",
			"textstat_gunning_fog", "textstat_smog_index",
			"textstat_automated_readability_index", "textstat_coleman_liau_index",
			"textstat_linsear_write_formula", "textstat_dale_chall_readability_score",
			"textstat_difficult_words", "textstat_lexicon_count",
			"textstat_sentence_count", "textstat_syllable_count",
			"textstat_reading_time", "textstat_version",
		},
	}
}

func (readability) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	m, err := TextMetrics(t.Text)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", t.EntityID, err)
	}
	return map[string]any{
		"textstat_flesch_reading_ease":          m.FleschReadingEase,
		"textstat_flesch_kincaid_grade":         m.FleschKincaidGrade,
		"textstat_gunning_fog":                  m.GunningFog,
		"textstat_smog_index":                   m.SMOG,
		"textstat_automated_readability_index":  m.ARI,
		"textstat_coleman_liau_index":           m.ColemanLiau,
		"textstat_linsear_write_formula":        m.LinsearWrite,
		"textstat_dale_chall_readability_score": m.DaleChall,
		"textstat_difficult_words":              m.DifficultWords,
		"textstat_lexicon_count":                m.Words,
		"textstat_sentence_count":               m.Sentences,
		"textstat_syllable_count":               m.Syllables,
		"textstat_reading_time":                 m.ReadingTime,
		"textstat_version":                      lexicalVersion,
	}, nil
}

// nrcLexicon maps words onto the eight NRC emotions plus two valences.
var nrcLexicon = map[string][]string{
	"love": {"joy", "trust", "positive"}, "happy": {"joy", "positive"},
	"hate": {"anger", "disgust", "negative"}, "angry": {"anger", "negative"},
	"afraid": {"fear", "negative"}, "scared": {"fear", "negative"},
	"worried": {"fear", "anticipation", "negative"}, "sad": {"sadness", "negative"},
	"cry": {"sadness", "negative"}, "miss": {"sadness"},
	"surprise": {"surprise"}, "wow": {"surprise"}, "sudden": {"surprise"},
	"trust": {"trust", "positive"}, "friend": {"trust", "joy", "positive"},
	"hope": {"anticipation", "positive"}, "wait": {"anticipation"},
	"excited": {"joy", "anticipation", "positive"}, "gross": {"disgust", "negative"},
	"disgusting": {"disgust", "negative"}, "great": {"joy", "positive"},
	"terrible": {"fear", "sadness", "negative"}, "thanks": {"joy", "positive"},
}

// lexiconEmotion tallies NRC emotion frequencies over the token stream.
type lexiconEmotion struct{}

func newLexiconEmotion(Deps) (Pass, error) { return lexiconEmotion{}, nil }

func (lexiconEmotion) Descriptor() Descriptor {
	return Descriptor{
		Name:         "lexicon_emotion",
		Stamp:        "lexicon_emotion_enriched_at",
		Levels:       textLevels,
		OwnedColumns: []string{"nrc_emotion_frequencies", "nrc_top_emotion", "nrc_version"},
	}
}

func (lexiconEmotion) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	freqs := make(map[string]int)
	for _, tok := range tokenizeLower(t.Text) {
		for _, emotion := range nrcLexicon[tok] {
			freqs[emotion]++
		}
	}
	top := ""
	best := 0
	emotions := make([]string, 0, len(freqs))
	for e := range freqs {
		emotions = append(emotions, e)
	}
	sort.Strings(emotions) // deterministic tie-break
	for _, e := range emotions {
		if e == "positive" || e == "negative" {
			continue
		}
		if freqs[e] > best {
			best = freqs[e]
			top = e
		}
	}
	raw, err := json.Marshal(freqs)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"nrc_emotion_frequencies": string(raw),
		"nrc_top_emotion":         top,
		"nrc_version":             lexicalVersion,
	}, nil
}

// keywords ranks stopword-filtered tokens by frequency, longest-first on
// ties so multiword fragments beat their substrings.
type keywords struct {
	stop *stopwords.Stopwords
}

func newKeywords(Deps) (Pass, error) {
	return &keywords{stop: stopwords.MustGet("en")}, nil
}

func (k *keywords) Descriptor() Descriptor {
	return Descriptor{
		Name:         "keywords",
		Stamp:        "keywords_enriched_at",
		Levels:       textLevels,
		OwnedColumns: []string{"keybert_top_keyword", "keybert_top_score", "keybert_all_keywords", "keybert_version"},
	}
}

type rankedKeyword struct {
	Keyword string  `json:"keyword"`
	Score   float64 `json:"score"`
}

func (k *keywords) Enrich(ctx context.Context, t canonical.EnrichTarget) (map[string]any, error) {
	tokens := tokenizeLower(t.Text)
	counts := make(map[string]int)
	total := 0
	for _, tok := range tokens {
		if len(tok) < 3 || k.stop.Contains(tok) {
			continue
		}
		counts[tok]++
		total++
	}
	if total == 0 {
		return map[string]any{
			"keybert_top_keyword":  "",
			"keybert_top_score":    0.0,
			"keybert_all_keywords": "[]",
			"keybert_version":      lexicalVersion,
		}, nil
	}
	ranked := make([]rankedKeyword, 0, len(counts))
	for tok, n := range counts {
		ranked = append(ranked, rankedKeyword{Keyword: tok, Score: float64(n) / float64(total)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if len(ranked[i].Keyword) != len(ranked[j].Keyword) {
			return len(ranked[i].Keyword) > len(ranked[j].Keyword)
		}
		return ranked[i].Keyword < ranked[j].Keyword
	})
	if len(ranked) > 10 {
		ranked = ranked[:10]
	}
	raw, err := json.Marshal(ranked)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"keybert_top_keyword":  ranked[0].Keyword,
		"keybert_top_score":    ranked[0].Score,
		"keybert_all_keywords": string(raw),
		"keybert_version":      lexicalVersion,
	}, nil
}
