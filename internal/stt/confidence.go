package stt

import "strings"

const (
	shortUtteranceWords  = 30
	shortUtteranceScore  = 0.90
	longUtteranceScore   = 0.75
	emptyTranscriptScore = 0.0
	emptyInputConfidence = 1.0
)

// ComputeConfidence derives a [0,1] score from the native no-speech
// probability when the backend has one, otherwise from transcript length.
func ComputeConfidence(text string, noSpeechProb *float32) float32 {
	words := len(strings.Fields(text))
	if words == 0 {
		return emptyTranscriptScore
	}
	if noSpeechProb != nil {
		return clamp01(1 - *noSpeechProb)
	}
	switch {
	case words <= shortUtteranceWords:
		return shortUtteranceScore
	default:
		return longUtteranceScore
	}
}

func clamp01(v float32) float32 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
