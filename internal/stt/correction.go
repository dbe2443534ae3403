package stt

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultCorrectionThreshold = 0.82
	defaultCorrectionCache     = 1024
	// A term split across more words than it has ("chat gpt") must match
	// almost exactly.
	splitTermThreshold = 0.9
)

// Corrector snaps near-miss transcriptions of user-supplied terms (names,
// jargon) to their canonical spelling.
type Corrector struct {
	cache *lru.Cache[string, string]
}

func NewCorrector(cacheSize int) *Corrector {
	if cacheSize <= 0 {
		cacheSize = defaultCorrectionCache
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return &Corrector{}
	}
	return &Corrector{cache: cache}
}

type customTerm struct {
	original string
	folded   string
	words    int
}

type token struct {
	lead, core, trail string
}

// Correct replaces every window of words whose accent- and case-folded form
// is at least threshold similar to a custom word. Windows may span one word
// more than the term itself. Longer windows win; surrounding punctuation is
// preserved.
func (c *Corrector) Correct(text string, words []string, threshold float64) string {
	if text == "" || len(words) == 0 {
		return text
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultCorrectionThreshold
	}
	var key string
	if c != nil && c.cache != nil {
		key = strconv.FormatFloat(threshold, 'f', 4, 64) + "\x00" + strings.Join(words, "\x1f") + "\x00" + text
		if out, ok := c.cache.Get(key); ok {
			return out
		}
	}
	out := correct(text, words, threshold)
	if key != "" {
		c.cache.Add(key, out)
	}
	return out
}

func correct(text string, words []string, threshold float64) string {
	terms := make([]customTerm, 0, len(words))
	maxWords := 1
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		n := len(strings.Fields(w))
		if n > maxWords {
			maxWords = n
		}
		terms = append(terms, customTerm{original: w, folded: fold(w), words: n})
	}
	maxWords++
	if len(terms) == 0 {
		return text
	}

	fields := strings.Fields(text)
	tokens := make([]token, len(fields))
	for i, f := range fields {
		tokens[i] = splitToken(f)
	}

	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		replaced := false
		for n := min(maxWords, len(tokens)-i); n >= 1; n-- {
			window := tokens[i : i+n]
			if !joinable(window) {
				continue
			}
			term, ok := bestTerm(window, terms, threshold)
			if !ok {
				continue
			}
			out = append(out, window[0].lead+term+window[n-1].trail)
			i += n
			replaced = true
			break
		}
		if !replaced {
			out = append(out, fields[i])
			i++
		}
	}
	return strings.Join(out, " ")
}

func bestTerm(window []token, terms []customTerm, threshold float64) (string, bool) {
	parts := make([]string, len(window))
	for i, t := range window {
		parts[i] = t.core
	}
	candidate := fold(strings.Join(parts, " "))
	if candidate == "" {
		return "", false
	}
	best, bestScore := "", -1.0
	for _, term := range terms {
		if len(window) > term.words+1 {
			continue
		}
		required := threshold
		if len(window) > term.words {
			required = max(threshold, splitTermThreshold)
		}
		score := similarity(candidate, term.folded)
		if score >= required && score > bestScore {
			best, bestScore = term.original, score
		}
	}
	return best, bestScore >= 0
}

// joinable rejects windows broken by inner punctuation.
func joinable(window []token) bool {
	for i, t := range window {
		if t.core == "" {
			return false
		}
		if i > 0 && t.lead != "" {
			return false
		}
		if i < len(window)-1 && t.trail != "" {
			return false
		}
	}
	return true
}

func splitToken(s string) token {
	start := strings.IndexFunc(s, isCoreRune)
	if start < 0 {
		return token{lead: s}
	}
	end := strings.LastIndexFunc(s, isCoreRune)
	_, size := utf8.DecodeRuneInString(s[end:])
	end += size
	return token{lead: s[:start], core: s[start:end], trail: s[end:]}
}

func isCoreRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// fold lowercases, strips accents and drops spaces so "chat GPT" and
// "ChatGPT" compare equal.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	return strings.Join(strings.Fields(folded), "")
}

func similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
