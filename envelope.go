package relay

import "encoding/json"

// TaskResultVersion is the envelope version every handler produces.
const TaskResultVersion = "task_result_v0"

// maxOutputBytes is the serialized envelope size above which a
// task.output.too_large trace line is recorded (non-fatal).
const maxOutputBytes = 1 << 20 // 1 MiB

// TaskResult is the stable result envelope stored as a run's output.
type TaskResult struct {
	Version   string         `json:"version"`
	OK        bool           `json:"ok"`
	TaskType  string         `json:"task_type"`
	TraceID   string         `json:"trace_id"`
	Result    map[string]any `json:"result"`
	Artifacts map[string]any `json:"artifacts"`
	Steps     []Step         `json:"steps"`
	TraceLines []string      `json:"trace_lines,omitempty"`
	Error     *TaskError     `json:"error"`

	FactsSnapshotID     string `json:"facts_snapshot_id,omitempty"`
	FactsSnapshotSource string `json:"facts_snapshot_source,omitempty"`

	// Yielded marks a parent suspension: the worker re-queues the run
	// instead of completing it.
	Yielded bool `json:"yielded,omitempty"`
}

// Step is one scoped region within a handler: success/failure, timing, and
// metadata. tool.<name> steps are the only steps that perform external
// effects.
type Step struct {
	Name       string         `json:"name"`
	OK         bool           `json:"ok"`
	DurationMS int64          `json:"duration_ms"`
	ErrorCode  *string        `json:"error_code"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// TaskError is the envelope's top-level error, set by the first failing step.
type TaskError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Step      string `json:"step"`
}

// MarshalTaskResult serializes an envelope for storage.
func MarshalTaskResult(tr *TaskResult) ([]byte, error) {
	return json.Marshal(tr)
}

// UnmarshalTaskResult deserializes a stored envelope. Returns nil for empty
// input (runs without output).
func UnmarshalTaskResult(data []byte) (*TaskResult, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var tr TaskResult
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Observation extracts the observation string the orchestrator feeds back to
// the agent: result.observation, falling back to a top-level observation key.
func (tr *TaskResult) Observation() string {
	if tr == nil {
		return ""
	}
	if s, ok := tr.Result["observation"].(string); ok && s != "" {
		return s
	}
	if s, ok := tr.Artifacts["observation"].(string); ok {
		return s
	}
	return ""
}

// Reply extracts the UI-facing reply string composed by a handler, if any.
func (tr *TaskResult) Reply() string {
	if tr == nil {
		return ""
	}
	if s, ok := tr.Result["reply"].(string); ok && s != "" {
		return s
	}
	if s, ok := tr.Result["final_response"].(string); ok {
		return s
	}
	return ""
}
