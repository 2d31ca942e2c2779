package subprocess

import "encoding/json"

// Frame type discriminators the child CLI may emit on stdout.
const (
	frameMessage    = "message"
	frameToolCall   = "tool_call"
	frameToolResult = "tool_result"
	frameUsage      = "usage"
	frameResult     = "result"
)

// frame is one newline-delimited JSON record on the child's stdout.
// Type selects which of the remaining fields are meaningful.
type frame struct {
	Type string `json:"type"`

	// message text or final result output.
	Text   string `json:"text,omitempty"`
	Output string `json:"output,omitempty"`

	// tool_call and tool_result fields.
	ID      string         `json:"id,omitempty"`
	CallID  string         `json:"call_id,omitempty"`
	Name    string         `json:"name,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	IsError bool           `json:"is_error,omitempty"`

	// usage fields.
	InputTokens         int64   `json:"input_tokens,omitempty"`
	OutputTokens        int64   `json:"output_tokens,omitempty"`
	CacheReadTokens     int64   `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64   `json:"cache_creation_tokens,omitempty"`
	CostUSD             float64 `json:"cost_usd,omitempty"`
	NumTurns            int     `json:"num_turns,omitempty"`
}

func parseFrame(line []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}
