package driver

import "time"

// TokenUsage records token consumption for one agent invocation, or an
// increment of one when streamed. Records are insert-only; aggregation
// happens at read time.
type TokenUsage struct {
	WorkflowID          string    `json:"workflow_id"`
	Agent               string    `json:"agent"`
	Model               string    `json:"model"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	CostUSD             float64   `json:"cost_usd"`
	DurationMS          int64     `json:"duration_ms"`
	NumTurns            int       `json:"num_turns"`
	Timestamp           time.Time `json:"timestamp"`
}

// Add accumulates another usage record into u. Identity fields
// (workflow, agent, model) keep u's values; Timestamp takes the later
// of the two.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CostUSD += other.CostUSD
	u.DurationMS += other.DurationMS
	u.NumTurns += other.NumTurns
	if other.Timestamp.After(u.Timestamp) {
		u.Timestamp = other.Timestamp
	}
	return u
}

// TotalTokens returns the sum of all token counters.
func (u TokenUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// IsZero reports whether no tokens, cost, or turns were recorded.
func (u TokenUsage) IsZero() bool {
	return u.TotalTokens() == 0 && u.CostUSD == 0 && u.NumTurns == 0
}
