// Package similarity scores how alike two article titles or bodies are.
package similarity

import (
	"strings"
	"unicode"
)

// Weights of the combined score.
const (
	TitleWeight   = 0.6
	ContentWeight = 0.4
)

// Title returns the matching-blocks ratio 2*M/T of two normalized titles,
// where M is the number of runes in common blocks and T the total length.
// Identical inputs score 1.0; a title that normalizes to nothing scores 0.
func Title(a, b string) float64 {
	if a == b {
		return 1
	}
	na, nb := normalizeTitle(a), normalizeTitle(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return ratio([]rune(na), []rune(nb))
}

// Content returns the Jaccard index of the word sets of a and b.
func Content(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	intersection := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			intersection++
		}
	}
	union := len(wa) + len(wb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Combined weighs title and content similarity into one score.
func Combined(title, content float64) float64 {
	return TitleWeight*title + ContentWeight*content
}

// Trigram approximates the pg_trgm similarity of two strings: each word is
// padded with two leading blanks and one trailing blank and the Jaccard
// index of the resulting trigram sets is returned.
func Trigram(a, b string) float64 {
	ta, tb := trigramSet(a), trigramSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for g := range ta {
		if _, ok := tb[g]; ok {
			intersection++
		}
	}
	if intersection == 0 {
		return 0
	}
	return float64(intersection) / float64(len(ta)+len(tb)-intersection)
}

func normalizeTitle(s string) string {
	s = strings.Map(func(r rune) rune {
		if isWordRune(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, strings.ToLower(s))
	return strings.TrimSpace(s)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r)
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !isWordRune(r)
	})
}

func wordSet(s string) map[string]struct{} {
	ws := words(s)
	set := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		set[w] = struct{}{}
	}
	return set
}

func trigramSet(s string) map[string]struct{} {
	ws := words(s)
	if len(ws) == 0 {
		return nil
	}
	set := make(map[string]struct{})
	for _, w := range ws {
		padded := []rune("  " + w + " ")
		for i := 0; i+3 <= len(padded); i++ {
			set[string(padded[i:i+3])] = struct{}{}
		}
	}
	return set
}

// ratio implements the Ratcliff/Obershelp matching-blocks ratio.
func ratio(a, b []rune) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1
	}

	b2j := make(map[rune][]int, len(b))
	for j, r := range b {
		b2j[r] = append(b2j[r], j)
	}

	matches := 0
	type span struct{ alo, ahi, blo, bhi int }
	queue := []span{{0, len(a), 0, len(b)}}
	for len(queue) > 0 {
		s := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		i, j, k := longestMatch(a, b2j, s.alo, s.ahi, s.blo, s.bhi)
		if k == 0 {
			continue
		}
		matches += k
		if s.alo < i && s.blo < j {
			queue = append(queue, span{s.alo, i, s.blo, j})
		}
		if i+k < s.ahi && j+k < s.bhi {
			queue = append(queue, span{i + k, s.ahi, j + k, s.bhi})
		}
	}
	return 2 * float64(matches) / float64(total)
}

// longestMatch finds the longest common block of a[alo:ahi] and b[blo:bhi],
// preferring the earliest start in a, then in b.
func longestMatch(a []rune, b2j map[rune][]int, alo, ahi, blo, bhi int) (int, int, int) {
	besti, bestj, bestk := alo, blo, 0
	j2len := map[int]int{}
	for i := alo; i < ahi; i++ {
		next := map[int]int{}
		for _, j := range b2j[a[i]] {
			if j < blo {
				continue
			}
			if j >= bhi {
				break
			}
			k := j2len[j-1] + 1
			next[j] = k
			if k > bestk {
				besti, bestj, bestk = i-k+1, j-k+1, k
			}
		}
		j2len = next
	}
	return besti, bestj, bestk
}
