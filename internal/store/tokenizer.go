package store

import (
	"strings"
	"unicode"
)

// minTokenLength drops single-character tokens.
const minTokenLength = 2

// DefaultStopWords are removed from indexed text and queries.
var DefaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "from",
	"has", "have", "he", "her", "his", "how", "i", "if", "in", "into", "is",
	"it", "its", "of", "on", "or", "our", "she", "so", "such", "than", "that",
	"the", "their", "then", "there", "these", "they", "this", "to", "was",
	"we", "were", "what", "when", "where", "which", "who", "will", "with",
	"you", "your",
}

var defaultStopWordMap = BuildStopWordMap(DefaultStopWords)

// Tokenize lower-cases text and splits it into letter/digit runs.
// Identifiers are further split on camelCase and snake_case so that
// code fragments inside documents match their words. Stop words and
// one-character tokens are dropped.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	var tokens []string
	for _, word := range words {
		for _, part := range SplitIdentifier(word) {
			lower := strings.ToLower(part)
			if len([]rune(lower)) < minTokenLength {
				continue
			}
			if _, stop := defaultStopWordMap[lower]; stop {
				continue
			}
			tokens = append(tokens, lower)
		}
	}
	return tokens
}

// SplitIdentifier splits snake_case, then camelCase, parts.
func SplitIdentifier(token string) []string {
	if !strings.Contains(token, "_") {
		return SplitCamelCase(token)
	}
	var result []string
	for _, part := range strings.Split(token, "_") {
		if part != "" {
			result = append(result, SplitCamelCase(part)...)
		}
	}
	return result
}

// SplitCamelCase splits camelCase and PascalCase words, keeping acronyms
// together:
//   - "getUserById" -> ["get", "User", "By", "Id"]
//   - "parseHTTPRequest" -> ["parse", "HTTP", "Request"]
func SplitCamelCase(s string) []string {
	if s == "" {
		return []string{}
	}

	var (
		result  []string
		current strings.Builder
	)
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if (prevIsLower || nextIsLower) && current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

// BuildStopWordMap converts a word list to a lookup set.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}
