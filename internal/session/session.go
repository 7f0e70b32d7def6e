// Package session holds the in-memory registry of test sessions and the
// per-session lifecycle state machine.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webpilot-dev/webpilot/api/schemas"
)

// Options are the per-session knobs supplied by the start-test command.
type Options struct {
	// HumanInLoop gates every generated step through an approval request.
	HumanInLoop bool
	// PageAware enables snapshot-grounded step generation after navigation.
	PageAware bool
	// SnapshotApproval additionally gates each captured snapshot.
	SnapshotApproval bool
	// ApprovalTimeout bounds each approval wait; zero means wait forever.
	ApprovalTimeout time.Duration
	// Tier selects the LLM used for this session.
	Tier schemas.ModelTier
}

// Session is one test run: a scenario, the state machine driving it, and the
// artifacts it accumulates. It is created by the Registry and mutated only by
// the orchestrator goroutine running it; all accessors take the lock so the
// transport can read a consistent view concurrently.
type Session struct {
	ID        string
	Scenario  string
	Options   Options
	CreatedAt time.Time

	mu          sync.Mutex
	state       schemas.SessionState
	steps       []schemas.Step
	results     []schemas.StepResult
	currentIdx  int
	completedAt time.Time
	driver      schemas.BrowserDriver
}

// transitions is the set of legal non-cancel state changes. Any state may
// additionally move to cancelled, and terminal states are sticky.
var transitions = map[schemas.SessionState][]schemas.SessionState{
	schemas.StateIdle:             {schemas.StateGenerating, schemas.StateFailed},
	schemas.StateGenerating:       {schemas.StateAwaitingApproval, schemas.StateExecuting, schemas.StateCompleted, schemas.StateFailed},
	schemas.StateAwaitingApproval: {schemas.StateExecuting, schemas.StateGenerating, schemas.StateCompleted, schemas.StateFailed},
	schemas.StateExecuting:        {schemas.StateGenerating, schemas.StateAwaitingApproval, schemas.StateCompleted, schemas.StateFailed},
}

// Transition moves the session to next, enforcing the state machine: terminal
// states are never exited, any live state may move to cancelled, and all
// other edges must be listed in the transition table.
func (s *Session) Transition(next schemas.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == next {
		return nil
	}
	if s.state.Terminal() {
		return fmt.Errorf("session %s is already %s, cannot move to %s", s.ID, s.state, next)
	}
	if next != schemas.StateCancelled && !legal(s.state, next) {
		return fmt.Errorf("illegal session transition %s -> %s", s.state, next)
	}

	s.state = next
	if next.Terminal() {
		s.completedAt = time.Now().UTC()
	}
	return nil
}

func legal(from, to schemas.SessionState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// State returns the current lifecycle state.
func (s *Session) State() schemas.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AppendStep records an accepted step and returns its index.
func (s *Session) AppendStep(step schemas.Step) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	s.currentIdx = len(s.steps) - 1
	return s.currentIdx
}

// AppendResult records the outcome of one executed or skipped step.
func (s *Session) AppendResult(result schemas.StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
}

// Steps returns a copy of the accepted steps so far.
func (s *Session) Steps() []schemas.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schemas.Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// Results returns a copy of the recorded step results.
func (s *Session) Results() []schemas.StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schemas.StepResult, len(s.results))
	copy(out, s.results)
	return out
}

// CurrentIndex returns the index of the most recently accepted step.
func (s *Session) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentIdx
}

// BindDriver hands the session exclusive ownership of its browser context.
func (s *Session) BindDriver(driver schemas.BrowserDriver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driver = driver
}

// Driver returns the session's browser context handle, or nil before
// BindDriver or after Release.
func (s *Session) Driver() schemas.BrowserDriver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

// CompletedAt returns when the session entered a terminal state, zero while
// it is still live.
func (s *Session) CompletedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedAt
}

// Summary is an immutable snapshot of a session for transport listings.
type Summary struct {
	ID          string               `json:"id"`
	Scenario    string               `json:"scenario"`
	State       schemas.SessionState `json:"state"`
	StepCount   int                  `json:"step_count"`
	ResultCount int                  `json:"result_count"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// Summarize captures a consistent point-in-time view of the session.
func (s *Session) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{
		ID:          s.ID,
		Scenario:    s.Scenario,
		State:       s.state,
		StepCount:   len(s.steps),
		ResultCount: len(s.results),
		CreatedAt:   s.CreatedAt,
	}
	if !s.completedAt.IsZero() {
		t := s.completedAt
		sum.CompletedAt = &t
	}
	return sum
}

// Registry is the process-wide session table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *zap.Logger
	maxLive  int
}

// NewRegistry creates a Registry. maxLive bounds concurrently active
// (non-terminal) sessions; zero means unbounded.
func NewRegistry(logger *zap.Logger, maxLive int) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.Named("registry"),
		maxLive:  maxLive,
	}
}

// Create registers a new idle session for the scenario.
func (r *Registry) Create(scenario string, opts Options) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxLive > 0 {
		live := 0
		for _, s := range r.sessions {
			if !s.State().Terminal() {
				live++
			}
		}
		if live >= r.maxLive {
			return nil, fmt.Errorf("session limit reached (%d active)", live)
		}
	}

	s := &Session{
		ID:         uuid.NewString(),
		Scenario:   scenario,
		Options:    opts,
		CreatedAt:  time.Now().UTC(),
		state:      schemas.StateIdle,
		currentIdx: -1,
	}
	r.sessions[s.ID] = s
	r.logger.Info("Created session.", zap.String("session_id", s.ID))
	return s, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns a point-in-time summary of every known session.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(all))
	for _, s := range all {
		out = append(out, s.Summarize())
	}
	return out
}

// Release closes the session's browser context, if any, and drops the handle.
// Idempotent; called once the session reaches a terminal state.
func (r *Registry) Release(s *Session) {
	s.mu.Lock()
	driver := s.driver
	s.driver = nil
	s.mu.Unlock()

	if driver == nil {
		return
	}
	if err := driver.Close(context.Background()); err != nil {
		r.logger.Warn("Failed to close session browser context.",
			zap.String("session_id", s.ID), zap.Error(err))
	} else {
		r.logger.Debug("Released session browser context.",
			zap.String("session_id", s.ID))
	}
}
