// Package store provides the Postgres-backed implementations of the
// router's persistence collaborators.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velarcom/voicebridge/pkg/router"
)

// ============================================
// CONVERSATION STORE
// ============================================

// ConversationStore persists conversation records in Postgres.
type ConversationStore struct {
	db *pgxpool.Pool
}

func NewConversationStore(db *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{db: db}
}

// Create inserts a new conversation record in progress state.
func (s *ConversationStore) Create(ctx context.Context, c *router.Conversation) (string, error) {
	id := uuid.New().String()
	now := time.Now()

	query := `
		INSERT INTO conversations (
			id, call_id, agent_name, direction,
			caller_number, callee_number, status,
			started_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.Exec(ctx, query,
		id, c.CallID, c.AgentName, c.Direction,
		c.CallerNum, c.CalleeNum, "in_progress",
		c.StartedAt, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert conversation: %w", err)
	}

	return id, nil
}

// Update writes the terminal fields of a finished conversation.
func (s *ConversationStore) Update(ctx context.Context, id string, u router.ConversationUpdate) error {
	var analysisJSON []byte
	if u.Analysis != nil {
		var err error
		analysisJSON, err = json.Marshal(u.Analysis)
		if err != nil {
			return fmt.Errorf("failed to encode analysis: %w", err)
		}
	}

	query := `
		UPDATE conversations SET
			status = $1,
			ended_at = $2,
			duration_seconds = $3,
			audio_url = $4,
			transcript = $5,
			analysis = $6,
			updated_at = $7
		WHERE id = $8
	`

	_, err := s.db.Exec(ctx, query,
		u.Status,
		u.EndedAt,
		int(u.Duration.Seconds()),
		nullable(u.AudioURL),
		u.Transcript,
		analysisJSON,
		time.Now(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", id, err)
	}

	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ============================================
// AGENT DIRECTORY
// ============================================

// AgentDirectory resolves voice agents from Postgres.
type AgentDirectory struct {
	db *pgxpool.Pool
}

func NewAgentDirectory(db *pgxpool.Pool) *AgentDirectory {
	return &AgentDirectory{db: db}
}

// FindByNumber returns the active agent bound to the number, or
// (nil, nil) when no such agent exists.
func (d *AgentDirectory) FindByNumber(ctx context.Context, number string) (*router.Agent, error) {
	query := `
		SELECT id, name, company_name, number,
		       system_prompt, voice, language,
		       speaking_rate, pitch, temperature,
		       inbound_greeting, outbound_greeting,
		       fallback_greeting, ending_phrase,
		       knowledge_base_id
		FROM agents
		WHERE number = $1 AND active = true
	`

	var agent router.Agent
	var kbID *string

	err := d.db.QueryRow(ctx, query, number).Scan(
		&agent.ID, &agent.Name, &agent.CompanyName, &agent.Number,
		&agent.SystemPrompt, &agent.Voice, &agent.Language,
		&agent.SpeakingRate, &agent.Pitch, &agent.Temperature,
		&agent.InboundGreeting, &agent.OutboundGreeting,
		&agent.FallbackGreeting, &agent.EndingPhrase,
		&kbID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up agent for %s: %w", number, err)
	}

	if kbID != nil {
		agent.KnowledgeBaseID = *kbID
	}
	return &agent, nil
}

// ============================================
// KNOWLEDGE BASES
// ============================================

// KnowledgeBases loads agent knowledge bases from Postgres.
type KnowledgeBases struct {
	db *pgxpool.Pool
}

func NewKnowledgeBases(db *pgxpool.Pool) *KnowledgeBases {
	return &KnowledgeBases{db: db}
}

func (k *KnowledgeBases) GetByID(ctx context.Context, id string) (*router.KnowledgeBase, error) {
	query := `
		SELECT id, name, description, documents
		FROM knowledge_bases
		WHERE id = $1
	`

	var kb router.KnowledgeBase
	err := k.db.QueryRow(ctx, query, id).Scan(
		&kb.ID, &kb.Name, &kb.Description, &kb.Documents,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("knowledge base %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge base %s: %w", id, err)
	}

	return &kb, nil
}
