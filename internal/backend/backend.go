// Package backend talks to the automated support backend: the bot answering
// user messages, session teardown and the per-user message history.
package backend

import (
	"context"

	"github.com/xaenox/supportchat/internal/models"
)

type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

type Retrieval struct {
	SimilarityScore *float64 `json:"similarity_score"`
}

type ChatResponse struct {
	SessionID string            `json:"session_id"`
	MessageID string            `json:"message_id,omitempty"`
	Response  string            `json:"response"`
	Timestamp string            `json:"timestamp,omitempty"`
	Retrieval *Retrieval        `json:"retrieval,omitempty"`
	Ticket    *models.RawTicket `json:"ticket,omitempty"`
}

// Score returns the retrieval similarity score and whether the backend sent
// one.
func (r *ChatResponse) Score() (float64, bool) {
	if r == nil || r.Retrieval == nil || r.Retrieval.SimilarityScore == nil {
		return 0, false
	}
	return *r.Retrieval.SimilarityScore, true
}

// Responder produces the automated reply to a user message.
type Responder interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// HistorySource returns every stored session of a user, keyed by session id.
type HistorySource interface {
	FetchHistory(ctx context.Context, userID string) (map[string][]models.RawRecord, error)
}

type SessionEnder interface {
	EndSession(ctx context.Context, sessionID, userID string) error
}

func score(v float64) *Retrieval {
	return &Retrieval{SimilarityScore: &v}
}
