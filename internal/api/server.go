// internal/api/server.go

// Package api exposes the remote-control operation surface over loopback
// HTTP so local tooling can drive sessions the same way controller sessions
// do. Every operation response is a control.Result: failures are data with
// status 200, never a thrown error across the boundary.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/user/switchboard/internal/control"
	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/types"
)

// Server is a lightweight HTTP handler for the control endpoints.
type Server struct {
	proto *control.Protocol
	store *store.Store
	log   *slog.Logger
	mux   *http.ServeMux
}

// NewServer creates a Server bound to the given protocol and store.
func NewServer(proto *control.Protocol, st *store.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{proto: proto, store: st, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("POST /control/", s.handleControl)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// sessionRow is the admin-view projection of one session.
type sessionRow struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Workspace  string `json:"workspace"`
	Mode       string `json:"permission_mode"`
	Processing bool   `json:"processing"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.store.List()
	rows := make([]sessionRow, 0, len(sessions))
	for _, sess := range sessions {
		rows = append(rows, sessionRow{
			ID:         string(sess.ID),
			Name:       sess.Name,
			Workspace:  string(sess.WorkspaceID),
			Mode:       string(sess.PermissionMode),
			Processing: sess.Processing,
			CreatedAt:  sess.CreatedAt.Format(time.RFC3339),
			UpdatedAt:  sess.UpdatedAt.Format(time.RFC3339),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

// controlRequest is the superset body for POST /control/{op}. Each
// operation reads the fields it needs and ignores the rest.
type controlRequest struct {
	ControllerID    string   `json:"controller_id"`
	TargetID        string   `json:"target_id,omitempty"`
	Text            string   `json:"text,omitempty"`
	WaitForResponse bool     `json:"wait_for_response,omitempty"`
	TimeoutMs       int      `json:"timeout_ms,omitempty"`
	IncludeMessages bool     `json:"include_messages,omitempty"`
	IncludeTools    bool     `json:"include_tools,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	Offset          int      `json:"offset,omitempty"`
	Force           bool     `json:"force,omitempty"`
	Name            string   `json:"name,omitempty"`
	Labels          []string `json:"labels,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	Message         string   `json:"message,omitempty"`
	Events          []string `json:"events,omitempty"`
	SubscriptionID  string   `json:"subscription_id,omitempty"`
	WorkspaceID     string   `json:"workspace_id,omitempty"`
	WorkingDir      string   `json:"working_dir,omitempty"`
	InitialMessage  string   `json:"initial_message,omitempty"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/control/")
	if op == "" {
		http.Error(w, `{"error":"operation name required"}`, http.StatusBadRequest)
		return
	}

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	controllerID := types.SessionID(req.ControllerID)
	controller, err := s.store.Get(controllerID)
	if err != nil {
		http.Error(w, `{"error":"controller session not found"}`, http.StatusForbidden)
		return
	}
	if !control.IsController(controller) {
		http.Error(w, `{"error":"session lacks a controller label"}`, http.StatusForbidden)
		return
	}

	result, ok := s.dispatch(r, controllerID, op, req)
	if !ok {
		http.Error(w, `{"error":"unknown operation"}`, http.StatusNotFound)
		return
	}

	if !result.OK {
		s.log.Debug("control operation failed", "op", op, "controller", controllerID, "error", result.Error)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) dispatch(r *http.Request, controllerID types.SessionID, op string, req controlRequest) (control.Result, bool) {
	targetID := types.SessionID(req.TargetID)
	switch op {
	case "list_sessions":
		return s.proto.ListSessions(controllerID, req.IncludeMessages), true
	case "create_session":
		return s.proto.CreateSession(controllerID, control.CreateSessionRequest{
			WorkspaceID:    types.WorkspaceID(req.WorkspaceID),
			WorkingDir:     req.WorkingDir,
			PermissionMode: types.PermissionMode(req.Mode),
			InitialMessage: req.InitialMessage,
			Labels:         req.Labels,
			Name:           req.Name,
		}), true
	case "send_message":
		return s.proto.SendMessage(r.Context(), controllerID, control.SendMessageRequest{
			TargetID:        targetID,
			Text:            req.Text,
			WaitForResponse: req.WaitForResponse,
			TimeoutMs:       req.TimeoutMs,
		}), true
	case "get_session_status":
		return s.proto.GetSessionStatus(controllerID, targetID), true
	case "get_session_messages":
		return s.proto.GetSessionMessages(controllerID, control.GetMessagesRequest{
			TargetID:     targetID,
			Limit:        req.Limit,
			Offset:       req.Offset,
			IncludeTools: req.IncludeTools,
		}), true
	case "stop_session":
		return s.proto.StopSession(controllerID, targetID), true
	case "delete_session":
		return s.proto.DeleteSession(controllerID, targetID, req.Force), true
	case "rename_session":
		return s.proto.RenameSession(controllerID, targetID, req.Name), true
	case "set_session_labels":
		return s.proto.SetSessionLabels(controllerID, targetID, req.Labels), true
	case "set_permission_mode":
		return s.proto.SetPermissionMode(controllerID, targetID, types.PermissionMode(req.Mode)), true
	case "approve_plan":
		return s.proto.ApprovePlan(controllerID, targetID, req.Message), true
	case "subscribe_session_events":
		return s.proto.SubscribeSessionEvents(controllerID, targetID, req.Events), true
	case "unsubscribe_session_events":
		return s.proto.UnsubscribeSessionEvents(controllerID, types.SubscriptionID(req.SubscriptionID), targetID), true
	case "list_subscriptions":
		return s.proto.ListSubscriptions(controllerID), true
	}
	return control.Result{}, false
}
