package enrich

import (
	"errors"
	"math"
	"strings"
)

// Metrics holds the readability measurements for one span of text.
type Metrics struct {
	Words          int
	Sentences      int
	Syllables      int
	DifficultWords int
	ReadingTime    float64

	FleschReadingEase  float64
	FleschKincaidGrade float64
	GunningFog         float64
	SMOG               float64
	ARI                float64
	ColemanLiau        float64
	LinsearWrite       float64
	DaleChall          float64
}

var errNoWords = errors.New("no words to measure")

// TextMetrics measures text with the classic readability formulas. Syllable
// counts use a vowel-group heuristic, which tracks the reference values
// closely enough for grade-band bucketing.
func TextMetrics(text string) (Metrics, error) {
	words := tokenizeLower(text)
	if len(words) == 0 {
		return Metrics{}, errNoWords
	}
	sentences := countSentences(text)
	if sentences == 0 {
		sentences = 1
	}

	var m Metrics
	m.Words = len(words)
	m.Sentences = sentences

	var chars, polysyllables, easySentenceWords int
	for _, w := range words {
		s := countSyllables(w)
		m.Syllables += s
		chars += len(w)
		if s >= 3 {
			polysyllables++
			m.DifficultWords++
		} else {
			easySentenceWords++
		}
	}

	wordsPerSentence := float64(m.Words) / float64(sentences)
	syllablesPerWord := float64(m.Syllables) / float64(m.Words)
	pctDifficult := float64(m.DifficultWords) / float64(m.Words) * 100

	m.ReadingTime = float64(m.Words) / 200 * 60 // seconds at 200 wpm
	m.FleschReadingEase = 206.835 - 1.015*wordsPerSentence - 84.6*syllablesPerWord
	m.FleschKincaidGrade = 0.39*wordsPerSentence + 11.8*syllablesPerWord - 15.59
	m.GunningFog = 0.4 * (wordsPerSentence + pctDifficult)
	m.SMOG = 1.0430*math.Sqrt(float64(polysyllables)*30/float64(sentences)) + 3.1291
	m.ARI = 4.71*(float64(chars)/float64(m.Words)) + 0.5*wordsPerSentence - 21.43
	m.ColemanLiau = 0.0588*(float64(chars)/float64(m.Words)*100) - 0.296*(float64(sentences)/float64(m.Words)*100) - 15.8
	m.LinsearWrite = (float64(easySentenceWords) + float64(polysyllables)*3) / float64(sentences)
	if m.LinsearWrite > 20 {
		m.LinsearWrite /= 2
	} else {
		m.LinsearWrite = m.LinsearWrite/2 - 1
	}
	m.DaleChall = 0.1579*pctDifficult + 0.0496*wordsPerSentence
	if pctDifficult > 5 {
		m.DaleChall += 3.6365
	}
	return m, nil
}

func countSentences(text string) int {
	n := 0
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			n++
		}
	}
	return n
}

func isVowel(r byte) bool {
	switch r {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}

func countSyllables(word string) int {
	word = strings.ToLower(word)
	count := 0
	prevVowel := false
	for i := 0; i < len(word); i++ {
		v := isVowel(word[i])
		if v && !prevVowel {
			count++
		}
		prevVowel = v
	}
	// silent trailing e
	if strings.HasSuffix(word, "e") && !strings.HasSuffix(word, "le") && count > 1 {
		count--
	}
	if count == 0 {
		count = 1
	}
	return count
}
