package relay

import "encoding/json"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether s is a terminal status. Output and error are
// immutable once a run is terminal.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// ValidStatus reports whether s is a known run status.
func ValidStatus(s string) bool {
	switch RunStatus(s) {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Input is the handler-typed input mapping of a run. Recognized keys common
// to all handlers: trace_id, conversation_id, parent_run_id,
// settings_snapshot. Everything else is handler-specific.
type Input map[string]any

// Str returns the string value at key, or "".
func (in Input) Str(key string) string {
	s, _ := in[key].(string)
	return s
}

// Int returns the integer value at key, accepting JSON float64, or def.
func (in Input) Int(key string, def int) int {
	switch v := in[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Map returns the nested mapping at key, or nil.
func (in Input) Map(key string) map[string]any {
	m, _ := in[key].(map[string]any)
	return m
}

// Run is a durable, typed unit of background work with a lifecycle.
// Timestamps and LeaseExpiresAt are Unix milliseconds.
type Run struct {
	ID     string      `json:"id"`
	Type   string      `json:"type"`
	Title  string      `json:"title,omitempty"`
	Status RunStatus   `json:"status"`
	Input  Input       `json:"input"`
	Output *TaskResult `json:"output"`
	Error  string      `json:"error,omitempty"`

	// Attempt is incremented exactly once per successful claim and never
	// decreases.
	Attempt        int    `json:"attempt"`
	WorkerID       string `json:"worker_id,omitempty"`
	LeaseExpiresAt int64  `json:"lease_expires_at,omitempty"`

	ParentRunID    string `json:"parent_run_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`

	CanceledAt   int64  `json:"canceled_at,omitempty"`
	CanceledBy   string `json:"canceled_by,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`

	Progress int `json:"progress,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// TraceID returns the trace id carried in the run input when it is a valid
// 32-hex string, or "".
func (r *Run) TraceID() string {
	if t := r.Input.Str("trace_id"); ValidTraceID(t) {
		return t
	}
	return ""
}

// MarshalInput serializes the run input for storage.
func MarshalInput(in Input) ([]byte, error) {
	if in == nil {
		in = Input{}
	}
	return json.Marshal(in)
}

// UnmarshalInput deserializes a stored run input.
func UnmarshalInput(data []byte) (Input, error) {
	if len(data) == 0 {
		return Input{}, nil
	}
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	return in, nil
}
