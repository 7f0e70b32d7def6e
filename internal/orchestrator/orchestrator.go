// Package orchestrator drives one session's generate → approve → execute loop
// over the intentions parsed from its scenario.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webpilot-dev/webpilot/api/schemas"
	"github.com/webpilot-dev/webpilot/internal/approval"
	"github.com/webpilot-dev/webpilot/internal/intent"
	"github.com/webpilot-dev/webpilot/internal/session"
	"github.com/webpilot-dev/webpilot/internal/snapshot"
	"github.com/webpilot-dev/webpilot/internal/stepgen"
)

// ExecutionError wraps a driver failure while running a step. Under the
// fail-fast policy it ends the session.
type ExecutionError struct {
	Action schemas.StepAction
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of %s failed: %v", e.Action, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// navigationKeywords mark an intention as navigational. The very first
// intention of a session is always treated as navigational regardless.
var navigationKeywords = []string{"navigate", "go to", "open", "visit", "load", "browse to"}

// Orchestrator runs session loops. One Orchestrator serves all sessions;
// each Run call owns exactly one session goroutine.
type Orchestrator struct {
	intents    *intent.Parser
	steps      *stepgen.Synthesizer
	snapshots  *snapshot.Builder
	broker     *approval.Broker
	registry   *session.Registry
	drivers    schemas.DriverFactory
	sink       schemas.EventSink
	settleWait time.Duration
	logger     *zap.Logger
}

// New wires an Orchestrator from its collaborators. settleWait is the pause
// after a page-changing action before the page is re-snapshotted.
func New(
	intents *intent.Parser,
	steps *stepgen.Synthesizer,
	snapshots *snapshot.Builder,
	broker *approval.Broker,
	registry *session.Registry,
	drivers schemas.DriverFactory,
	sink schemas.EventSink,
	settleWait time.Duration,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		intents:    intents,
		steps:      steps,
		snapshots:  snapshots,
		broker:     broker,
		registry:   registry,
		drivers:    drivers,
		sink:       sink,
		settleWait: settleWait,
		logger:     logger.Named("orchestrator"),
	}
}

// Run executes the session's full lifecycle and blocks until it reaches a
// terminal state. Cancellation is cooperative: pending approvals are rejected
// immediately by the broker sweep, but a step already running against the
// driver finishes before the loop notices — cancellation is only checked
// between steps. Snapshots are point-in-time: a page mutation outside the
// modelled page-changing actions can leave the latest snapshot stale, and
// generation always uses the most recent capture and nothing more.
func (o *Orchestrator) Run(ctx context.Context, s *session.Session) {
	log := o.logger.With(zap.String("session_id", s.ID))
	defer o.registry.Release(s)

	if err := s.Transition(schemas.StateGenerating); err != nil {
		log.Warn("Session not runnable.", zap.Error(err))
		return
	}
	o.emitStatus(s, "parsing scenario")

	intentions, err := o.intents.Parse(ctx, s.Scenario, s.Options.Tier)
	if err != nil {
		o.fail(s, err, log)
		return
	}

	driver, err := o.drivers.NewDriver(ctx, s.ID)
	if err != nil {
		o.fail(s, &ExecutionError{Err: fmt.Errorf("acquiring browser context: %w", err)}, log)
		return
	}
	s.BindDriver(driver)

	var snap *schemas.PageSnapshot
	for i, intention := range intentions {
		if o.cancelled(ctx, s) {
			o.finish(s, schemas.StateCancelled, log)
			return
		}
		log.Info("Processing intention.", zap.Int("index", i), zap.String("intention", intention))

		purelyNavigational := false
		if snap == nil && (isNavigationIntention(intention) || i == 0) {
			ok, err := o.runNavigation(ctx, s, driver, intention)
			if err != nil {
				o.concludeOnError(s, err, log)
				return
			}
			if !ok {
				continue // rejected or skipped, still no page to work with
			}
			snap = o.capture(ctx, s, driver)
			purelyNavigational = isNavigationIntention(intention)
		}
		if purelyNavigational {
			continue
		}

		failed, err := o.runIntention(ctx, s, driver, intention, &snap)
		if err != nil {
			o.concludeOnError(s, err, log)
			return
		}
		if failed {
			o.finish(s, schemas.StateFailed, log)
			return
		}
	}

	o.finish(s, schemas.StateCompleted, log)
}

// runNavigation synthesizes, gates, and executes the context-free navigate
// step. It reports ok=false when the step was rejected or timed out (the
// intention is skipped) and a non-nil error for fatal conditions.
func (o *Orchestrator) runNavigation(ctx context.Context, s *session.Session, driver schemas.BrowserDriver, intention string) (bool, error) {
	step, err := o.steps.Navigate(ctx, s.Scenario, intention, s.Options.Tier)
	if err != nil {
		return false, err
	}

	idx := s.AppendStep(*step)
	o.emit(s, schemas.EventStepsGenerated, schemas.StepApprovalPayload{StepIndex: idx, Step: *step})

	final, approved, err := o.gateStep(ctx, s, idx, *step)
	if err != nil {
		return false, err
	}
	if !approved {
		o.recordSkip(s, idx, final)
		return false, nil
	}

	result := o.execute(ctx, s, driver, idx, final)
	if result.Status == schemas.StepFailed {
		return false, &ExecutionError{Action: final.Action, Err: errors.New(result.Error)}
	}
	return true, nil
}

// runIntention synthesizes, gates, and executes one page-aware step. failed
// reports a fail-fast StepResult; err reports a fatal synthesis, approval,
// or state condition.
func (o *Orchestrator) runIntention(ctx context.Context, s *session.Session, driver schemas.BrowserDriver, intention string, snap **schemas.PageSnapshot) (failed bool, err error) {
	if err := s.Transition(schemas.StateGenerating); err != nil {
		return false, err
	}

	current := *snap
	if current == nil {
		current = &schemas.PageSnapshot{Elements: []schemas.DOMElement{}}
	}
	step, err := o.steps.Synthesize(ctx, intention, s.Steps(), current, s.Options.Tier)
	if err != nil {
		return false, err
	}
	if step.Action == schemas.ActionError {
		// The model reports no element on the page can satisfy the
		// intention; guessing a selector would be worse than stopping.
		return false, &stepgen.SynthesisError{
			Intention: intention,
			Reason:    fmt.Sprintf("no matching element on page: %s", step.Description),
		}
	}

	idx := s.AppendStep(*step)
	o.emit(s, schemas.EventStepsGenerated, schemas.StepApprovalPayload{StepIndex: idx, Step: *step})

	final, approved, err := o.gateStep(ctx, s, idx, *step)
	if err != nil {
		return false, err
	}
	if !approved {
		o.recordSkip(s, idx, final)
		return false, nil
	}

	result := o.execute(ctx, s, driver, idx, final)
	if result.Status == schemas.StepFailed {
		return true, nil
	}

	if final.Action.PageChanging() {
		if o.settleWait > 0 {
			_ = driver.Wait(ctx, o.settleWait)
		}
		*snap = o.capture(ctx, s, driver)
	}
	return false, nil
}

// gateStep routes the step through the approval broker when the session has
// a human in the loop. It returns the step to execute (possibly replaced or
// re-targeted by the human), whether execution should proceed, and a fatal
// error for cancellation. A timeout or explicit rejection yields
// approved=false with no error.
func (o *Orchestrator) gateStep(ctx context.Context, s *session.Session, idx int, step schemas.Step) (schemas.Step, bool, error) {
	if !s.Options.HumanInLoop {
		return step, true, nil
	}

	if err := s.Transition(schemas.StateAwaitingApproval); err != nil {
		return step, false, err
	}
	o.emit(s, schemas.EventStepApprovalRequest, schemas.StepApprovalPayload{
		StepIndex: idx,
		Step:      step,
		TimeoutMs: s.Options.ApprovalTimeout.Milliseconds(),
	})

	key := approval.Key{SessionID: s.ID, Index: idx, Namespace: approval.NamespaceStep}
	resp, err := o.broker.Request(ctx, key, s.Options.ApprovalTimeout)
	if err != nil {
		var timeout *approval.TimeoutError
		if errors.As(err, &timeout) {
			// Implicit rejection: skip this step, keep the session alive.
			o.emitStatus(s, "approval timed out, step skipped")
			return step, false, nil
		}
		return step, false, err
	}

	if !resp.Approved {
		return step, false, nil
	}
	if resp.ModifiedStep != nil {
		return *resp.ModifiedStep, true, nil
	}
	if resp.ModifiedSelector != "" {
		step.Selector = resp.ModifiedSelector
	}
	return step, true, nil
}

// gateSnapshot offers a freshly captured snapshot for human review when
// snapshot approval is enabled. A rejected or timed-out snapshot is discarded
// and generation proceeds without page context.
func (o *Orchestrator) gateSnapshot(ctx context.Context, s *session.Session, snap *schemas.PageSnapshot) *schemas.PageSnapshot {
	if !s.Options.HumanInLoop || !s.Options.SnapshotApproval {
		return snap
	}

	idx := len(s.Results())
	o.emit(s, schemas.EventSnapshotApprovalRequest, schemas.SnapshotApprovalPayload{
		SnapshotIndex: idx,
		Snapshot:      *snap,
		TimeoutMs:     s.Options.ApprovalTimeout.Milliseconds(),
	})

	key := approval.Key{SessionID: s.ID, Index: idx, Namespace: approval.NamespaceSnapshot}
	resp, err := o.broker.Request(ctx, key, s.Options.ApprovalTimeout)
	if err != nil || !resp.Approved {
		o.emitStatus(s, "snapshot rejected, continuing without page context")
		return &schemas.PageSnapshot{Elements: []schemas.DOMElement{}}
	}
	return snap
}

// capture builds the latest snapshot and publishes it. Capture never fails;
// a degraded empty snapshot is still emitted so the transport can show it.
func (o *Orchestrator) capture(ctx context.Context, s *session.Session, driver schemas.BrowserDriver) *schemas.PageSnapshot {
	if !s.Options.PageAware {
		return &schemas.PageSnapshot{Elements: []schemas.DOMElement{}}
	}
	snap := o.snapshots.Capture(ctx, driver)
	o.emit(s, schemas.EventSnapshotCaptured, *snap)
	return o.gateSnapshot(ctx, s, snap)
}

// execute runs one approved step against the driver and records its result.
func (o *Orchestrator) execute(ctx context.Context, s *session.Session, driver schemas.BrowserDriver, idx int, step schemas.Step) schemas.StepResult {
	if err := s.Transition(schemas.StateExecuting); err != nil {
		result := schemas.StepResult{Step: step, Status: schemas.StepFailed, Error: err.Error()}
		s.AppendResult(result)
		return result
	}

	stepCtx := ctx
	if step.TimeoutMs > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	screenshot, err := o.perform(stepCtx, driver, step)
	result := schemas.StepResult{
		Step:       step,
		Status:     schemas.StepPassed,
		DurationMs: time.Since(start).Milliseconds(),
		Screenshot: screenshot,
	}
	if err != nil {
		result.Status = schemas.StepFailed
		result.Error = err.Error()
	}

	s.AppendResult(result)
	o.emit(s, schemas.EventStepExecutionUpdate, schemas.ExecutionUpdatePayload{StepIndex: idx, Result: result})
	return result
}

// perform dispatches a step to the matching driver call.
func (o *Orchestrator) perform(ctx context.Context, driver schemas.BrowserDriver, step schemas.Step) ([]byte, error) {
	switch step.Action {
	case schemas.ActionNavigate:
		return nil, driver.Navigate(ctx, step.Value)
	case schemas.ActionFill:
		return nil, driver.Fill(ctx, step.Selector, step.Value)
	case schemas.ActionClick:
		return nil, driver.Click(ctx, step.Selector)
	case schemas.ActionHover:
		return nil, driver.Hover(ctx, step.Selector)
	case schemas.ActionSelectOption:
		return nil, driver.SelectOption(ctx, step.Selector, step.Value)
	case schemas.ActionCheck:
		return nil, driver.SetChecked(ctx, step.Selector, true)
	case schemas.ActionUncheck:
		return nil, driver.SetChecked(ctx, step.Selector, false)
	case schemas.ActionExpectVisible:
		return nil, driver.ExpectVisible(ctx, step.Selector)
	case schemas.ActionExpectHidden:
		return nil, driver.ExpectHidden(ctx, step.Selector)
	case schemas.ActionExpectText:
		return nil, driver.ExpectText(ctx, step.Selector, step.Value)
	case schemas.ActionExpectURL:
		return nil, driver.ExpectURL(ctx, step.Value)
	case schemas.ActionWait:
		ms, err := strconv.Atoi(strings.TrimSpace(step.Value))
		if err != nil || ms <= 0 {
			ms = int(o.settleWait.Milliseconds())
		}
		return nil, driver.Wait(ctx, time.Duration(ms)*time.Millisecond)
	case schemas.ActionScreenshot:
		return driver.Screenshot(ctx)
	case schemas.ActionScroll:
		return nil, driver.Scroll(ctx, step.Selector)
	default:
		return nil, fmt.Errorf("action %q is not executable", step.Action)
	}
}

func (o *Orchestrator) recordSkip(s *session.Session, idx int, step schemas.Step) {
	result := schemas.StepResult{Step: step, Status: schemas.StepSkipped}
	s.AppendResult(result)
	o.emit(s, schemas.EventStepExecutionUpdate, schemas.ExecutionUpdatePayload{StepIndex: idx, Result: result})
}

// concludeOnError converts a fatal error into the right terminal state:
// approval cancellations end in cancelled, everything else in failed.
func (o *Orchestrator) concludeOnError(s *session.Session, err error, log *zap.Logger) {
	if errors.Is(err, approval.ErrCancelled) || errors.Is(err, context.Canceled) {
		o.finish(s, schemas.StateCancelled, log)
		return
	}
	o.fail(s, err, log)
}

func (o *Orchestrator) fail(s *session.Session, err error, log *zap.Logger) {
	log.Error("Session failed.", zap.Error(err))
	o.emit(s, schemas.EventError, schemas.ErrorPayload{Message: err.Error(), Kind: errorKind(err)})
	o.finish(s, schemas.StateFailed, log)
}

func (o *Orchestrator) finish(s *session.Session, state schemas.SessionState, log *zap.Logger) {
	if err := s.Transition(state); err != nil {
		log.Debug("Terminal transition skipped.", zap.Error(err))
	}
	final := s.State()
	o.emitStatus(s, "")
	o.emit(s, schemas.EventSessionCompleted, schemas.CompletedPayload{State: final, Results: s.Results()})
	log.Info("Session finished.", zap.String("state", string(final)), zap.Int("results", len(s.Results())))
}

// cancelled reports whether the loop should stop before the next step.
func (o *Orchestrator) cancelled(ctx context.Context, s *session.Session) bool {
	return ctx.Err() != nil || s.State() == schemas.StateCancelled
}

func (o *Orchestrator) emit(s *session.Session, typ schemas.EventType, payload interface{}) {
	o.sink.Emit(schemas.Event{
		Type:      typ,
		SessionID: s.ID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) emitStatus(s *session.Session, detail string) {
	o.emit(s, schemas.EventSessionStatus, schemas.StatusPayload{State: s.State(), Detail: detail})
}

func errorKind(err error) string {
	var (
		parseErr *intent.ParseError
		synthErr *stepgen.SynthesisError
		timeout  *approval.TimeoutError
		execErr  *ExecutionError
	)
	switch {
	case errors.As(err, &parseErr):
		return "intent_parse_error"
	case errors.As(err, &synthErr):
		return "step_synthesis_error"
	case errors.As(err, &timeout):
		return "approval_timeout_error"
	case errors.As(err, &execErr):
		return "execution_error"
	default:
		return "internal_error"
	}
}

func isNavigationIntention(intention string) bool {
	lower := strings.ToLower(intention)
	for _, kw := range navigationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
