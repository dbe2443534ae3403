// Package rules implements the deterministic French clean-up applied to every
// transcript before any language-model pass.
package rules

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/grafana/regexp"
)

// maxPasses bounds the fixpoint loop in Apply.
const maxPasses = 4

// Multi-word phrases are listed before any single word they contain so the
// alternation never settles on the shorter match.
var fillerPhrases = []string{
	`euh+`, `heu+`, `bah`, `bon ben`, `ben`, `disons que`, `disons`, `du coup`,
	`en quelque sorte`, `si tu veux`, `en tout cas`, `tu vois`, `vous voyez`,
	`n['’]est-ce pas`, `pas vrai`, `à vrai dire`, `en gros`, `genre`, `voilà`,
	`quoi`, `en fait`, `eh bien`, `hein`, `pfff?`, `ah bon`, `eh`, `ouais bon`, `bref`,
}

var (
	elisionRe = regexp.MustCompile(`(?i)\b(j|c|n|l|d|m|s|t|qu|jusqu|lorsqu|puisqu)(['’])\s+`)
	fillerRe  = regexp.MustCompile(`(?i)(` + strings.Join(fillerPhrases, "|") + `)[,\s]*`)
	fillerAt  = anchoredFillers()

	ellipsisRe      = regexp.MustCompile(`\.{3,}`)
	repeatedEllipRe = regexp.MustCompile(`…{2,}`)
	doubleDotRe     = regexp.MustCompile(`\.{2,}`)
	questionRe      = regexp.MustCompile(`\?{2,}`)
	exclamationRe   = regexp.MustCompile(`!{2,}`)
	commaRe         = regexp.MustCompile(`,{2,}`)
	semicolonRe     = regexp.MustCompile(`;{2,}`)
	colonRe         = regexp.MustCompile(`:{2,}`)

	missingSpaceRe = regexp.MustCompile(`([.!?…])(\p{L})`)
	multiSpaceRe   = regexp.MustCompile(`\s{2,}`)
)

// Apply runs the ordered passes over text. The sequence is repeated until the
// output stops changing so Apply(Apply(x)) == Apply(x).
func Apply(text string) string {
	if text == "" {
		return ""
	}
	out := text
	for i := 0; i < maxPasses; i++ {
		next := applyOnce(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func applyOnce(text string) string {
	s := elisionRe.ReplaceAllString(text, "$1$2")
	s = removeFillers(s)
	s = dedupePunctuation(s)
	s = missingSpaceRe.ReplaceAllString(s, "$1 $2")
	s = collapseStutters(s)
	s = multiSpaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	return shapeSentence(s)
}

// removeFillers replaces each filler occurrence that sits on word boundaries
// with a single space. Boundaries are checked on runes because RE2's \b only
// knows ASCII letters.
func removeFillers(text string) string {
	var b strings.Builder
	pos := 0
	last := 0
	for pos < len(text) {
		loc := fillerRe.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		start := pos + loc[0]
		end, ok := fillerEnd(text, start)
		if !ok {
			_, size := utf8.DecodeRuneInString(text[start:])
			pos = start + size
			continue
		}
		b.WriteString(text[last:start])
		b.WriteByte(' ')
		last = end
		pos = end
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

func anchoredFillers() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(fillerPhrases))
	for i, p := range fillerPhrases {
		out[i] = regexp.MustCompile(`^(?i)(` + p + `)[,\s]*`)
	}
	return out
}

// fillerEnd tries each phrase at start in list order and returns the end of
// the first one that sits on word boundaries, so a longer phrase that fails
// ("eh bien" in "eh bienvenue") falls back to a shorter one ("eh").
func fillerEnd(text string, start int) (int, bool) {
	if !boundaryBefore(text, start) {
		return 0, false
	}
	rest := text[start:]
	for _, re := range fillerAt {
		loc := re.FindStringSubmatchIndex(rest)
		if loc == nil || !boundaryAfter(text, start+loc[3]) {
			continue
		}
		return start + loc[1], true
	}
	return 0, false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

func dedupePunctuation(s string) string {
	// Three dots first: the two-dot rule would otherwise eat them.
	s = ellipsisRe.ReplaceAllString(s, "…")
	s = repeatedEllipRe.ReplaceAllString(s, "…")
	s = doubleDotRe.ReplaceAllString(s, ".")
	s = questionRe.ReplaceAllString(s, "?")
	s = exclamationRe.ReplaceAllString(s, "!")
	s = commaRe.ReplaceAllString(s, ",")
	s = semicolonRe.ReplaceAllString(s, ";")
	return colonRe.ReplaceAllString(s, ":")
}

func collapseStutters(s string) string {
	words := strings.Fields(s)
	if len(words) < 2 {
		return strings.Join(words, " ")
	}
	kept := words[:1]
	for _, w := range words[1:] {
		if strings.EqualFold(kept[len(kept)-1], w) {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

func shapeSentence(s string) string {
	s = strings.TrimRight(s, ", ")
	if s == "" {
		return ""
	}
	first, size := utf8.DecodeRuneInString(s)
	if unicode.IsLower(first) {
		s = string(unicode.ToUpper(first)) + s[size:]
	}
	lastRune, _ := utf8.DecodeLastRuneInString(s)
	if !strings.ContainsRune(".!?:;…", lastRune) {
		s += "."
	}
	return s
}

// WordCount counts whitespace-separated tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
