// Package server is the websocket transport: commands in, events out. It owns
// no test logic; everything is delegated to the registry, broker, and
// orchestrator.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/webpilot-dev/webpilot/api/schemas"
	"github.com/webpilot-dev/webpilot/internal/approval"
	"github.com/webpilot-dev/webpilot/internal/config"
	"github.com/webpilot-dev/webpilot/internal/orchestrator"
	"github.com/webpilot-dev/webpilot/internal/session"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// Inbound command types.
const (
	CmdStartTest                = "start-test"
	CmdStepApprovalResponse     = "step-approval-response"
	CmdSnapshotApprovalResponse = "snapshot-approval-response"
	CmdCancelSession            = "cancel-session"
	CmdListSessions             = "list-sessions"
)

// Command is the envelope for every inbound client message.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StartTestPayload starts a new session.
type StartTestPayload struct {
	Scenario          string `json:"scenario"`
	LLM               string `json:"llm,omitempty"` // "fast" or "powerful"
	HumanInLoop       bool   `json:"human_in_loop"`
	PageAware         bool   `json:"page_aware"`
	SnapshotApproval  bool   `json:"snapshot_approval"`
	ApprovalTimeoutMs int64  `json:"approval_timeout_ms,omitempty"`
}

// ApprovalResponsePayload resolves a pending step or snapshot approval.
type ApprovalResponsePayload struct {
	SessionID        string        `json:"session_id"`
	StepIndex        int           `json:"step_index"`
	Approved         bool          `json:"approved"`
	ModifiedStep     *schemas.Step `json:"modified_step,omitempty"`
	ModifiedSelector string        `json:"modified_selector,omitempty"`
	Reason           string        `json:"reason,omitempty"`
}

// CancelSessionPayload cancels a running session.
type CancelSessionPayload struct {
	SessionID string `json:"session_id"`
}

// Server glues the websocket hub to the core. It implements
// schemas.EventSink so orchestrators can publish directly to it.
type Server struct {
	cfg      config.Config
	hub      *Hub
	registry *session.Registry
	broker   *approval.Broker
	orch     *orchestrator.Orchestrator
	logger   *zap.Logger

	// runCtx is the lifetime handed to session goroutines; it ends with the
	// server, not with the websocket connection that issued start-test.
	runCtx context.Context
}

var _ schemas.EventSink = (*Server)(nil)
var _ CommandHandler = (*Server)(nil)

func New(cfg config.Config, registry *session.Registry, broker *approval.Broker, orch *orchestrator.Orchestrator, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		hub:      NewHub(logger, cfg.Server.AllowedOrigins),
		registry: registry,
		broker:   broker,
		orch:     orch,
		logger:   logger.Named("server"),
	}
}

// Emit broadcasts a core event to every connected client.
func (s *Server) Emit(ev schemas.Event) {
	data, err := jsonCodec.Marshal(ev)
	if err != nil {
		s.logger.Error("Failed to marshal event.", zap.Error(err))
		return
	}
	s.hub.Broadcast(data)
}

// Run serves until ctx is cancelled, then shuts the HTTP listener down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx = ctx
	go s.hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.hub.HandleWS(s))
	mux.HandleFunc("/healthz", s.handleHealthz)

	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening.", zap.String("addr", s.cfg.Server.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","clients":%d,"pending_approvals":%d}`,
		s.hub.ClientCount(), s.broker.PendingCount())
}

// HandleCommand dispatches one inbound client message.
func (s *Server) HandleCommand(client *Client, message []byte) {
	var cmd Command
	if err := jsonCodec.Unmarshal(message, &cmd); err != nil {
		s.logger.Warn("Dropping malformed command.", zap.Error(err), zap.ByteString("message", message))
		s.sendError(client, "", fmt.Sprintf("malformed command: %v", err))
		return
	}

	switch cmd.Type {
	case CmdStartTest:
		s.handleStartTest(client, cmd.Payload)
	case CmdStepApprovalResponse:
		s.handleApprovalResponse(client, cmd.Payload, approval.NamespaceStep)
	case CmdSnapshotApprovalResponse:
		s.handleApprovalResponse(client, cmd.Payload, approval.NamespaceSnapshot)
	case CmdCancelSession:
		s.handleCancelSession(client, cmd.Payload)
	case CmdListSessions:
		s.handleListSessions(client)
	default:
		s.logger.Warn("Unknown command type.", zap.String("type", cmd.Type))
		s.sendError(client, "", fmt.Sprintf("unknown command type %q", cmd.Type))
	}
}

func (s *Server) handleStartTest(client *Client, payload json.RawMessage) {
	var req StartTestPayload
	if err := jsonCodec.Unmarshal(payload, &req); err != nil {
		s.sendError(client, "", fmt.Sprintf("bad start-test payload: %v", err))
		return
	}
	if req.Scenario == "" {
		s.sendError(client, "", "start-test requires a scenario")
		return
	}

	opts := session.Options{
		HumanInLoop:      req.HumanInLoop,
		PageAware:        req.PageAware,
		SnapshotApproval: req.SnapshotApproval,
		ApprovalTimeout:  s.cfg.Sessions.ApprovalTimeout,
		Tier:             tierFor(req.LLM),
	}
	if req.ApprovalTimeoutMs > 0 {
		opts.ApprovalTimeout = time.Duration(req.ApprovalTimeoutMs) * time.Millisecond
	}

	sess, err := s.registry.Create(req.Scenario, opts)
	if err != nil {
		s.sendError(client, "", err.Error())
		return
	}

	s.Emit(schemas.Event{
		Type:      schemas.EventSessionCreated,
		SessionID: sess.ID,
		Payload:   sess.Summarize(),
		Timestamp: time.Now().UTC(),
	})

	go s.orch.Run(s.runCtx, sess)
}

func (s *Server) handleApprovalResponse(client *Client, payload json.RawMessage, ns approval.Namespace) {
	var req ApprovalResponsePayload
	if err := jsonCodec.Unmarshal(payload, &req); err != nil {
		s.sendError(client, "", fmt.Sprintf("bad approval payload: %v", err))
		return
	}

	key := approval.Key{SessionID: req.SessionID, Index: req.StepIndex, Namespace: ns}
	processed := s.broker.Respond(key, schemas.ApprovalResponse{
		Approved:         req.Approved,
		ModifiedStep:     req.ModifiedStep,
		ModifiedSelector: req.ModifiedSelector,
		Reason:           req.Reason,
	})
	if !processed {
		// Late or duplicate; tell the issuing client, nobody else cares.
		s.sendError(client, req.SessionID, fmt.Sprintf("no pending approval for %s", key))
	}
}

func (s *Server) handleCancelSession(client *Client, payload json.RawMessage) {
	var req CancelSessionPayload
	if err := jsonCodec.Unmarshal(payload, &req); err != nil {
		s.sendError(client, "", fmt.Sprintf("bad cancel payload: %v", err))
		return
	}

	sess, ok := s.registry.Get(req.SessionID)
	if !ok {
		s.sendError(client, req.SessionID, "unknown session")
		return
	}

	if err := sess.Transition(schemas.StateCancelled); err != nil {
		s.sendError(client, req.SessionID, err.Error())
		return
	}
	// Unblock any approval the session loop is suspended on. The loop
	// observes the cancelled state between steps.
	s.broker.CancelSession(req.SessionID)
	s.logger.Info("Session cancelled by client.",
		zap.String("session_id", req.SessionID),
		zap.String("client_id", client.ID()))
}

func (s *Server) handleListSessions(client *Client) {
	reply := struct {
		Type     string            `json:"type"`
		Sessions []session.Summary `json:"sessions"`
	}{Type: "sessions-list", Sessions: s.registry.List()}

	data, err := jsonCodec.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to marshal session list.", zap.Error(err))
		return
	}
	if !client.Send(data) {
		s.logger.Warn("Client send buffer full, dropping session list.", zap.String("client_id", client.ID()))
	}
}

func (s *Server) sendError(client *Client, sessionID, message string) {
	ev := schemas.Event{
		Type:      schemas.EventError,
		SessionID: sessionID,
		Payload:   schemas.ErrorPayload{Message: message},
		Timestamp: time.Now().UTC(),
	}
	data, err := jsonCodec.Marshal(ev)
	if err != nil {
		return
	}
	client.Send(data)
}

func tierFor(llm string) schemas.ModelTier {
	if llm == string(schemas.TierFast) {
		return schemas.TierFast
	}
	return schemas.TierPowerful
}
