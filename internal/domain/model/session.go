package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ToolCall records one tool invocation made by the planner during an analysis
// session, in call order.
type ToolCall struct {
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// TokenUsage records the token accounting reported by the planner's model.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// AnalysisSession is one call into the AI planner for one endpoint. Rows are
// append-only: sessions are never updated or deleted.
type AnalysisSession struct {
	ID             string      `json:"id"                         db:"id"`
	EndpointID     string      `json:"endpoint_id"                db:"endpoint_id"`
	AnalyzedAt     time.Time   `json:"analyzed_at"                db:"analyzed_at"`
	Reasoning      string      `json:"reasoning"                  db:"reasoning"`
	ToolCalls      []ToolCall  `json:"tool_calls"                 db:"tool_calls"`
	TokenUsage     *TokenUsage `json:"token_usage,omitempty"      db:"token_usage"`
	DurationMs     int64       `json:"duration_ms"                db:"duration_ms"`
	NextAnalysisAt *time.Time  `json:"next_analysis_at,omitempty" db:"next_analysis_at"`
}

// CreateSessionRequest represents a request to append an analysis session.
type CreateSessionRequest struct {
	EndpointID     string      `json:"endpoint_id"`
	AnalyzedAt     time.Time   `json:"analyzed_at"`
	Reasoning      string      `json:"reasoning"`
	ToolCalls      []ToolCall  `json:"tool_calls,omitempty"`
	TokenUsage     *TokenUsage `json:"token_usage,omitempty"`
	DurationMs     int64       `json:"duration_ms"`
	NextAnalysisAt *time.Time  `json:"next_analysis_at,omitempty"`
}

// Validate validates the CreateSessionRequest fields.
func (r *CreateSessionRequest) Validate() error {
	if r.EndpointID == "" {
		return errors.New("endpoint id is required")
	}
	if r.AnalyzedAt.IsZero() {
		return errors.New("analyzed at is required")
	}
	if r.DurationMs < 0 {
		return errors.New("duration must be >= 0")
	}
	for i := range r.ToolCalls {
		if r.ToolCalls[i].Tool == "" {
			return errors.New("tool name is required")
		}
	}
	return nil
}
