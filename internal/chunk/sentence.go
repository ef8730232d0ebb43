package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// abbreviations never end a sentence. Compared lower-cased, with the dot.
var abbreviations = map[string]bool{
	"mr.": true, "mrs.": true, "ms.": true, "dr.": true, "prof.": true,
	"sr.": true, "jr.": true, "st.": true, "vs.": true, "etc.": true,
	"e.g.": true, "i.e.": true, "inc.": true, "ltd.": true, "co.": true,
	"fig.": true, "no.": true, "approx.": true, "dept.": true, "est.": true,
}

// sentenceClosers may trail terminal punctuation, as in `"Stop!" he said`.
const sentenceClosers = `.!?"')]`

// splitSentences returns the sentence spans of text[s.start:s.end].
// A sentence ends at . ! or ? followed by whitespace and an upper-case
// letter, or by the end of the text. A blank line always ends one.
// Initials ("J. Smith") and known abbreviations do not.
func splitSentences(text string, s span) []span {
	var out []span
	for _, para := range splitParagraphs(text, s) {
		out = append(out, sentencesIn(text, para)...)
	}
	return out
}

func splitParagraphs(text string, s span) []span {
	var out []span
	start := s.start
	for {
		idx := strings.Index(text[start:s.end], "\n\n")
		if idx < 0 {
			break
		}
		if p := trimSpan(text, span{start, start + idx}); p.end > p.start {
			out = append(out, p)
		}
		start += idx + 2
	}
	if p := trimSpan(text, span{start, s.end}); p.end > p.start {
		out = append(out, p)
	}
	return out
}

func sentencesIn(text string, s span) []span {
	var out []span
	start := s.start

	for i := s.start; i < s.end; i++ {
		ch := text[i]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}

		j := i + 1
		for j < s.end && strings.IndexByte(sentenceClosers, text[j]) >= 0 {
			j++
		}
		if j >= s.end {
			break
		}
		if !isSpaceByte(text[j]) {
			i = j - 1
			continue
		}

		k := j
		for k < s.end && isSpaceByte(text[k]) {
			k++
		}
		if k < s.end {
			r, _ := utf8.DecodeRuneInString(text[k:s.end])
			if !unicode.IsUpper(r) {
				i = j - 1
				continue
			}
		}
		if ch == '.' && !endsSentence(text, start, i) {
			i = j - 1
			continue
		}

		if sent := trimSpan(text, span{start, j}); sent.end > sent.start {
			out = append(out, sent)
		}
		start = k
		i = k - 1
	}

	if sent := trimSpan(text, span{start, s.end}); sent.end > sent.start {
		out = append(out, sent)
	}
	return out
}

// endsSentence reports whether the dot at text[dot] closes a sentence,
// looking at the word it terminates.
func endsSentence(text string, lineStart, dot int) bool {
	ws := dot
	for ws > lineStart && !isSpaceByte(text[ws-1]) {
		ws--
	}
	word := text[ws:dot]
	if word == "" {
		return true
	}

	// Single capital initial: "J. Smith".
	if r, size := utf8.DecodeRuneInString(word); size == len(word) && unicode.IsUpper(r) {
		return false
	}

	word = strings.TrimLeft(word, `"'([`)
	return !abbreviations[strings.ToLower(word)+"."]
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r' || b == '\f' || b == '\v'
}
