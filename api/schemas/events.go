package schemas

import "time"

// EventType enumerates every event the core emits toward the transport layer.
type EventType string

const (
	EventSessionCreated          EventType = "session-created"
	EventStepsGenerated          EventType = "steps-generated"
	EventStepApprovalRequest     EventType = "step-approval-request"
	EventStepExecutionUpdate     EventType = "step-execution-update"
	EventSessionStatus           EventType = "session-status"
	EventSessionCompleted        EventType = "session-completed"
	EventSnapshotCaptured        EventType = "snapshot-captured"
	EventSnapshotApprovalRequest EventType = "snapshot-approval-request"
	EventError                   EventType = "error"
)

// Event is the envelope delivered to the transport. Payload shapes are the
// api/schemas types (Step, StepResult, PageSnapshot, ...) keyed by Type.
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventSink receives events from the core. Implementations must be safe for
// concurrent use by multiple session loops and must never block the caller
// for long (drop or buffer, don't stall the orchestrator).
type EventSink interface {
	Emit(ev Event)
}

// -- Event payloads --

// StepApprovalPayload accompanies EventStepApprovalRequest.
type StepApprovalPayload struct {
	StepIndex int   `json:"step_index"`
	Step      Step  `json:"step"`
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// SnapshotApprovalPayload accompanies EventSnapshotApprovalRequest.
type SnapshotApprovalPayload struct {
	SnapshotIndex int          `json:"snapshot_index"`
	Snapshot      PageSnapshot `json:"snapshot"`
	TimeoutMs     int64        `json:"timeout_ms,omitempty"`
}

// ExecutionUpdatePayload accompanies EventStepExecutionUpdate.
type ExecutionUpdatePayload struct {
	StepIndex int        `json:"step_index"`
	Result    StepResult `json:"result"`
}

// StatusPayload accompanies EventSessionStatus.
type StatusPayload struct {
	State  SessionState `json:"state"`
	Detail string       `json:"detail,omitempty"`
}

// CompletedPayload accompanies EventSessionCompleted.
type CompletedPayload struct {
	State   SessionState `json:"state"`
	Results []StepResult `json:"results"`
}

// ErrorPayload accompanies EventError.
type ErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}
