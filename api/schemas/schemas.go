// api/schemas/schemas.go
package schemas

import (
	"time"
)

// SessionState represents a test session's position in its lifecycle. Sessions
// move from idle through generating/awaiting_approval/executing and end in one
// of the terminal states.
type SessionState string

const (
	StateIdle             SessionState = "idle"              // Created, loop not yet started.
	StateGenerating       SessionState = "generating"        // Waiting on the LLM for the next step.
	StateAwaitingApproval SessionState = "awaiting_approval" // Suspended on a human approval gate.
	StateExecuting        SessionState = "executing"         // A step is running against the browser.
	StateCompleted        SessionState = "completed"         // All intentions processed.
	StateFailed           SessionState = "failed"            // Unrecoverable generation or execution error.
	StateCancelled        SessionState = "cancelled"         // Explicit external cancellation.
)

// Terminal reports whether the state can never be exited.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// StepAction enumerates every browser action a generated step may carry. The
// set is closed: executors switch exhaustively over it and reject anything
// else at parse time.
type StepAction string

const (
	ActionNavigate      StepAction = "navigate"
	ActionFill          StepAction = "fill"
	ActionClick         StepAction = "click"
	ActionHover         StepAction = "hover"
	ActionSelectOption  StepAction = "select_option"
	ActionCheck         StepAction = "check"
	ActionUncheck       StepAction = "uncheck"
	ActionExpectVisible StepAction = "expect_visible"
	ActionExpectHidden  StepAction = "expect_hidden"
	ActionExpectText    StepAction = "expect_text"
	ActionExpectURL     StepAction = "expect_url"
	ActionWait          StepAction = "wait"
	ActionScreenshot    StepAction = "screenshot"
	ActionScroll        StepAction = "scroll"

	// ActionError is the explicit sentinel the step synthesizer returns when
	// the model reports that no element on the page can satisfy the intention.
	// It is never executed.
	ActionError StepAction = "error"
)

// allActions is the closed set used for parse-time validation.
var allActions = map[StepAction]struct{}{
	ActionNavigate: {}, ActionFill: {}, ActionClick: {}, ActionHover: {},
	ActionSelectOption: {}, ActionCheck: {}, ActionUncheck: {},
	ActionExpectVisible: {}, ActionExpectHidden: {}, ActionExpectText: {},
	ActionExpectURL: {}, ActionWait: {}, ActionScreenshot: {}, ActionScroll: {},
	ActionError: {},
}

// Valid reports whether a is a member of the closed action set.
func (a StepAction) Valid() bool {
	_, ok := allActions[a]
	return ok
}

// PageChanging reports whether the action is presumed likely to alter the DOM,
// which triggers snapshot invalidation after execution. An action outside this
// set that still navigates (e.g. a fill that fires a JS redirect) leaves a
// stale snapshot in context; that is a known, preserved limitation.
func (a StepAction) PageChanging() bool {
	switch a {
	case ActionClick, ActionNavigate, ActionSelectOption, ActionCheck, ActionUncheck:
		return true
	}
	return false
}

// Step is a single concrete, executable browser action derived from one
// intention plus optional page context. Once accepted (or replaced wholesale
// by a human edit) it is immutable.
type Step struct {
	Action      StepAction `json:"action"`
	Selector    string     `json:"selector,omitempty"`
	Value       string     `json:"value,omitempty"`
	Description string     `json:"description,omitempty"`
	TimeoutMs   int        `json:"timeout_ms,omitempty"`
}

// StepStatus is the outcome classification of one executed or skipped step.
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records the outcome of exactly one step. Results are append-only;
// a session's result list never shrinks or mutates.
type StepResult struct {
	Step       Step       `json:"step"`
	Status     StepStatus `json:"status"`
	DurationMs int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
	Screenshot []byte     `json:"screenshot,omitempty"`
}

// RawElement is an interactive element exactly as the browser driver reports
// it, before any selector has been synthesized for it.
type RawElement struct {
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Role       string            `json:"role,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// DOMElement is a harvested interactive element with its synthesized selector.
// The selector is always derived from that exact element's own attributes, so
// it re-resolves against the live page; it is never invented.
type DOMElement struct {
	Tag        string            `json:"tag"`
	Selector   string            `json:"selector"`
	Text       string            `json:"text,omitempty"`
	Role       string            `json:"role,omitempty"`
	AriaLabel  string            `json:"aria_label,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// PageSnapshot is a point-in-time capture of a page's interactive elements.
// Immutable once built; the orchestrator only ever consults the most recent
// one for a session.
type PageSnapshot struct {
	URL        string       `json:"url"`
	Title      string       `json:"title"`
	CapturedAt time.Time    `json:"captured_at"`
	Elements   []DOMElement `json:"elements"`
}

// Empty reports whether the snapshot carries no usable page context. Callers
// treat an empty snapshot as "no context yet", never as a fatal condition.
func (p *PageSnapshot) Empty() bool {
	return p == nil || len(p.Elements) == 0
}

// ApprovalResponse is a human's verdict on a pending step or snapshot gate.
// ModifiedStep, when set, replaces the generated step wholesale before
// execution; ModifiedSelector replaces only the selector.
type ApprovalResponse struct {
	Approved         bool   `json:"approved"`
	ModifiedStep     *Step  `json:"modified_step,omitempty"`
	ModifiedSelector string `json:"modified_selector,omitempty"`
	Reason           string `json:"reason,omitempty"`
}
