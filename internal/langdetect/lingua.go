// Package langdetect guesses the language of Swiss article text.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

// minLetters is the shortest sample worth classifying.
const minLetters = 20

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// Detect returns "de", "fr" or "it" for text, or "" when the sample is too
// short or the language is none of the three.
func Detect(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}

	letters := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters < minLetters {
		return ""
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return ""
	}

	switch language {
	case lingua.German:
		return "de"
	case lingua.French:
		return "fr"
	case lingua.Italian:
		return "it"
	}
	return ""
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(lingua.German, lingua.French, lingua.Italian, lingua.English).
			WithMinimumRelativeDistance(0.1).
			Build()
	})
	return detector
}
