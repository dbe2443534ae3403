package pipeline

import (
	"fmt"
	"strings"
)

// WriteMode selects the tone of the language-model rewrite.
type WriteMode int

const (
	Chat WriteMode = iota
	Pro
	Code
)

var AllModes = []WriteMode{Chat, Pro, Code}

func (m WriteMode) String() string {
	switch m {
	case Chat:
		return "chat"
	case Pro:
		return "pro"
	case Code:
		return "code"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseWriteMode is case-insensitive; the empty string means Chat.
func ParseWriteMode(s string) (WriteMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "chat":
		return Chat, nil
	case "pro":
		return Pro, nil
	case "code":
		return Code, nil
	default:
		return Chat, fmt.Errorf("unknown write mode %q (expected chat, pro or code)", s)
	}
}

// AlwaysCleanup reports whether the mode requires the rewrite regardless of
// transcript confidence.
func (m WriteMode) AlwaysCleanup() bool {
	return m == Pro
}

// SystemPrompt is the instruction given to the cleanup model.
func (m WriteMode) SystemPrompt() string {
	switch m {
	case Pro:
		return "Tu es un rédacteur professionnel. Réécris cette dictée de façon concise et soignée, " +
			"prête pour un email ou un document, en paragraphes clairs. " +
			"Renvoie seulement le texte réécrit."
	case Code:
		return "Tu es un assistant pour développeurs. Corrige la ponctuation de cette dictée sans toucher " +
			"aux termes techniques anglais, identifiants, symboles ni noms de variables, et sans rien traduire. " +
			"Renvoie seulement le texte corrigé."
	default:
		return "Tu corriges une transcription vocale. Rectifie seulement les fautes évidentes et la ponctuation " +
			"de base, garde le ton et la structure, ne reformule pas. " +
			"Renvoie seulement le texte corrigé."
	}
}

func (m WriteMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *WriteMode) UnmarshalText(b []byte) error {
	parsed, err := ParseWriteMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
