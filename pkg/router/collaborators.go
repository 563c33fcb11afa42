package router

import (
	"context"
	"time"
)

// ============================================
// EXTERNAL COLLABORATORS
// ============================================
// Contracts the router consumes but does not implement. Postgres-backed
// implementations of the directory and store interfaces live in
// pkg/store; the rest are provided by the embedding application.
// ============================================

// Agent is a voice agent bound to a phone number.
type Agent struct {
	ID          string
	Name        string
	CompanyName string
	Number      string

	SystemPrompt string
	Voice        string
	Language     string
	SpeakingRate float64
	Pitch        float64
	Temperature  float64

	InboundGreeting  string
	OutboundGreeting string
	FallbackGreeting string
	EndingPhrase     string

	KnowledgeBaseID string
}

// KnowledgeBase is the reference material an agent can draw on.
type KnowledgeBase struct {
	ID          string
	Name        string
	Description string
	Documents   []string
}

// Conversation is the persisted record of one call.
type Conversation struct {
	ID        string
	CallID    string
	AgentName string
	Direction string
	CallerNum string
	CalleeNum string
	StartedAt time.Time
}

// ConversationUpdate carries the terminal fields written at call end.
type ConversationUpdate struct {
	Status     string
	EndedAt    time.Time
	Duration   time.Duration
	AudioURL   string
	Transcript string
	Analysis   *Analysis
}

// Analysis is the post-call summary produced by the analysis service.
type Analysis struct {
	Summary   string   `json:"summary"`
	Sentiment string   `json:"sentiment"`
	KeyPoints []string `json:"key_points"`
	NextSteps []string `json:"next_steps"`
}

// AgentDirectory resolves the agent bound to a dialed number, if any.
type AgentDirectory interface {
	// FindByNumber returns (nil, nil) when no agent is bound.
	FindByNumber(ctx context.Context, number string) (*Agent, error)
}

// KnowledgeBases loads knowledge bases by id.
type KnowledgeBases interface {
	GetByID(ctx context.Context, id string) (*KnowledgeBase, error)
}

// ConversationStore persists conversation records.
type ConversationStore interface {
	Create(ctx context.Context, c *Conversation) (string, error)
	Update(ctx context.Context, id string, u ConversationUpdate) error
}

// ObjectStorage uploads call recordings and returns a public URL.
type ObjectStorage interface {
	Upload(ctx context.Context, data []byte, name, contentType string) (string, error)
}

// Analyzer produces a post-call analysis from a transcript.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (*Analysis, error)
}

// Transcriber is the streaming speech recognizer used on the degraded
// conversation path. Start returns the URL the call's audio fork should
// stream to and a channel of recognized utterances; the channel closes
// when Stop is called for the same call id.
type Transcriber interface {
	Start(ctx context.Context, callID string) (destURL string, utterances <-chan string, err error)
	Stop(callID string)
	// TranscribeRecording transcribes a complete mu-law recording, used
	// for operator-handled calls that never streamed to the recognizer.
	TranscribeRecording(ctx context.Context, recording []byte) (string, error)
}

// TextAgent produces the next agent reply on the degraded path.
type TextAgent interface {
	Reply(ctx context.Context, agent *Agent, history []Turn, userText string) (string, error)
}

// Synthesizer renders text to mu-law telephone audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Turn is one exchange on the degraded conversation path.
type Turn struct {
	Role      string
	Text      string
	Timestamp time.Time
}
