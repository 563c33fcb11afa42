package realtime

import (
	"fmt"
	"strings"
)

// ============================================
// SYSTEM PROMPT RENDERING
// ============================================

const (
	fastSpeechThreshold = 1.2
	slowSpeechThreshold = 0.8
	highPitchThreshold  = 1.2
	lowPitchThreshold   = 0.8
)

// RenderSystemPrompt assembles the instructions the AI session is opened
// with: base instructions, a language directive, direction-specific
// greeting instructions, voice-characteristic hints, and the inlined
// knowledge-base excerpt when present.
func RenderSystemPrompt(cfg SessionConfig) string {
	parts := []string{strings.TrimSpace(cfg.BaseInstructions)}

	if cfg.Language != "" {
		parts = append(parts, fmt.Sprintf("Always speak and respond in %s.", cfg.Language))
	}

	switch cfg.Direction {
	case DirectionOutbound:
		if cfg.OutboundGreeting != "" {
			parts = append(parts, fmt.Sprintf("You are placing an outbound call. Open the conversation with: %q", cfg.OutboundGreeting))
		}
	default:
		if cfg.InboundGreeting != "" {
			parts = append(parts, fmt.Sprintf("You are answering an incoming call. Greet the caller with: %q", cfg.InboundGreeting))
		}
	}

	if hint := voiceHint(cfg.SpeakingRate, cfg.Pitch); hint != "" {
		parts = append(parts, hint)
	}

	if cfg.KnowledgeBase != "" {
		parts = append(parts, "Use the following reference material when answering questions:\n"+cfg.KnowledgeBase)
	}

	var rendered []string
	for _, p := range parts {
		if p != "" {
			rendered = append(rendered, p)
		}
	}
	return strings.Join(rendered, "\n\n")
}

func voiceHint(rate, pitch float64) string {
	var hints []string
	switch {
	case rate >= fastSpeechThreshold:
		hints = append(hints, "speak at a brisk, energetic pace")
	case rate > 0 && rate <= slowSpeechThreshold:
		hints = append(hints, "speak slowly and deliberately")
	}
	switch {
	case pitch >= highPitchThreshold:
		hints = append(hints, "keep a bright, upbeat tone")
	case pitch > 0 && pitch <= lowPitchThreshold:
		hints = append(hints, "keep a calm, low tone")
	}
	if len(hints) == 0 {
		return ""
	}
	return "Voice delivery: " + strings.Join(hints, "; ") + "."
}
