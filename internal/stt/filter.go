package stt

import (
	"strings"

	"github.com/grafana/regexp"
)

var (
	bracketedRe  = regexp.MustCompile(`\[[^\]]*\]|\*[^*]*\*`)
	annotationRe = regexp.MustCompile(`(?i)\(\s*(?:rires?|musique|applaudissements|silence|bruit|toux|soupirs?|inaudible|music|laughter|applause)\s*\)`)
	// Credits the model hallucinates on silence, learned from subtitled video.
	creditsRe = regexp.MustCompile(`(?i)(?:sous-titr(?:es|age)\b[^.!?\n]*|merci d'avoir regardé[^.!?\n]*|abonnez-vous[^.!?\n]*|thanks for watching[^.!?\n]*)[.!?]*`)
	spacesRe  = regexp.MustCompile(`\s{2,}`)
)

// FilterOutput removes non-speech annotations and known hallucinated lines.
func FilterOutput(text string) string {
	if text == "" {
		return ""
	}
	out := bracketedRe.ReplaceAllString(text, " ")
	out = annotationRe.ReplaceAllString(out, " ")
	out = creditsRe.ReplaceAllString(out, " ")
	out = spacesRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}
