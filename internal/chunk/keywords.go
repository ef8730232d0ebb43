package chunk

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// stopWords are dropped before term-frequency comparison.
var stopWords = buildStopWordMap([]string{
	"a", "an", "and", "are", "as", "at", "be", "been", "but", "by", "can",
	"did", "do", "does", "for", "from", "had", "has", "have", "he", "her",
	"his", "how", "i", "if", "in", "into", "is", "it", "its", "just", "may",
	"me", "more", "most", "my", "no", "not", "of", "on", "one", "or", "our",
	"she", "so", "such", "than", "that", "the", "their", "them", "then",
	"there", "these", "they", "this", "those", "to", "too", "up", "us", "was",
	"we", "were", "what", "when", "where", "which", "while", "who", "will",
	"with", "would", "you", "your",
})

func buildStopWordMap(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// terms lower-cases text and splits it on anything that is not a letter
// or digit, dropping stop words and single characters.
func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// termFrequency counts the terms of text.
type termFrequency map[string]int

func newTermFrequency(text string) termFrequency {
	tf := make(termFrequency)
	for _, t := range terms(text) {
		tf[t]++
	}
	return tf
}

func (tf termFrequency) add(other termFrequency) termFrequency {
	out := make(termFrequency, len(tf)+len(other))
	for k, v := range tf {
		out[k] = v
	}
	for k, v := range other {
		out[k] += v
	}
	return out
}

// cosine compares two frequency vectors. Empty vectors score 0.
func (tf termFrequency) cosine(other termFrequency) float64 {
	var dot, na, nb float64
	for k, v := range tf {
		na += float64(v * v)
		if w, ok := other[k]; ok {
			dot += float64(v * w)
		}
	}
	for _, w := range other {
		nb += float64(w * w)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// top returns the n most frequent terms. Ties sort alphabetically.
func (tf termFrequency) top(n int) []string {
	keys := make([]string, 0, len(tf))
	for k := range tf {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if tf[keys[i]] != tf[keys[j]] {
			return tf[keys[i]] > tf[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// Keywords returns the top n stop-word-filtered terms of text.
func Keywords(text string, n int) []string {
	return newTermFrequency(text).top(n)
}
