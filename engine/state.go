package engine

import (
	"encoding/json"
	"fmt"
)

// stateSchemaVersion tags checkpoint payloads so a future engine can
// migrate or refuse state written by an incompatible version.
const stateSchemaVersion = 1

// envelope is the JSON shape persisted as a checkpoint payload.
type envelope struct {
	// SchemaVersion identifies the payload layout.
	SchemaVersion int `json:"schema_version"`

	// State is the serialized workflow state.
	State json.RawMessage `json:"state"`

	// Resumes holds the resume commands already consumed during the
	// current node visit, so a restart re-runs the node with the same
	// answers. Cleared when the node completes.
	Resumes []ResumeCommand `json:"resumes,omitempty"`

	// Pending holds resume commands queued by Approve or Reject that no
	// node has consumed yet. Persisting them here makes an approval
	// durable the moment it is accepted. Dropped when the node
	// completes without consuming them.
	Pending []ResumeCommand `json:"pending,omitempty"`

	// CompletedNode names the node whose successful completion produced
	// this checkpoint. Empty for seed, pause, and update checkpoints.
	// Restart reconciliation uses it to re-emit a stage_completed event
	// lost in a crash between the write and the emit.
	CompletedNode string `json:"completed_node,omitempty"`
}

// encodeState serializes state into a versioned checkpoint payload.
func encodeState[S any](state S, ev envelope) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	ev.SchemaVersion = stateSchemaVersion
	ev.State = raw
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint envelope: %w", err)
	}
	return payload, nil
}

// decodeState parses a checkpoint payload back into state plus envelope
// metadata. Payloads written by a different schema version are refused.
func decodeState[S any](payload []byte) (S, envelope, error) {
	var (
		state S
		ev    envelope
	)
	if err := json.Unmarshal(payload, &ev); err != nil {
		return state, ev, fmt.Errorf("failed to unmarshal checkpoint envelope: %w", err)
	}
	if ev.SchemaVersion != stateSchemaVersion {
		return state, ev, &EngineError{
			Code:    "SCHEMA_VERSION",
			Message: fmt.Sprintf("checkpoint schema version %d, engine supports %d", ev.SchemaVersion, stateSchemaVersion),
		}
	}
	if err := json.Unmarshal(ev.State, &state); err != nil {
		return state, ev, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, ev, nil
}

// deepCopy clones state through a JSON round trip so nodes can never
// alias the runtime's copy.
func deepCopy[S any](state S) (S, error) {
	var out S
	raw, err := json.Marshal(state)
	if err != nil {
		return out, fmt.Errorf("failed to marshal state for copy: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal state copy: %w", err)
	}
	return out, nil
}
