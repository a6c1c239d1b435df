package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
)

// MessageCommand carries an operator message for a worker session.
type MessageCommand struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId,omitempty"`
}

// TaskCommand addresses a running task.
type TaskCommand struct {
	TaskID   string `json:"taskId"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// IssueCommand addresses a mirrored issue.
type IssueCommand struct {
	Repo     string `json:"repo"`
	Number   int    `json:"number"`
	Priority string `json:"priority,omitempty"`
	Cmd      string `json:"cmd,omitempty"`
}

// Handlers are the scheduler callbacks behind POST /v1/commands/*. A nil
// callback means the command is not supported by this deployment.
type Handlers struct {
	Pause            func(ctx context.Context) error
	Resume           func(ctx context.Context) error
	EnqueueMessage   func(ctx context.Context, cmd MessageCommand) error
	InterruptMessage func(ctx context.Context, cmd MessageCommand) error
	SetTaskPriority  func(ctx context.Context, cmd TaskCommand) error
	SetTaskStatus    func(ctx context.Context, cmd TaskCommand) error
	SetIssuePriority func(ctx context.Context, cmd IssueCommand) error
	IssueCmd         func(ctx context.Context, cmd IssueCommand) error
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	command := strings.TrimPrefix(r.URL.Path, "/v1/commands/")
	switch command {
	case "pause":
		s.runSimple(w, r, s.handlers.Pause)
	case "resume":
		s.runSimple(w, r, s.handlers.Resume)
	case "message/enqueue":
		s.handleEnqueue(w, r)
	case "message/interrupt":
		s.handleInterrupt(w, r)
	case "task/priority":
		s.handleTaskPriority(w, r)
	case "task/status":
		s.handleTaskStatus(w, r)
	case "issue/priority":
		s.handleIssuePriority(w, r)
	case "issue/cmd":
		s.handleIssueCmd(w, r)
	default:
		s.writeError(w, http.StatusNotFound, "not_found", "unknown command")
	}
}

func (s *Server) runSimple(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) error) {
	if fn == nil {
		s.writeError(w, http.StatusNotImplemented, "not_implemented", "command not supported")
		return
	}
	if err := fn(r.Context()); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleEnqueue queues an operator message. It requires a JSON body and
// returns 202 because delivery happens asynchronously.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.handlers.EnqueueMessage == nil {
		s.writeError(w, http.StatusNotImplemented, "not_implemented", "command not supported")
		return
	}
	if !isJSONRequest(r) {
		s.writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "enqueue requires application/json")
		return
	}
	var cmd MessageCommand
	if !s.decodeBody(w, r, &cmd) {
		return
	}
	if cmd.Text == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "text is required")
		return
	}
	if err := s.handlers.EnqueueMessage(r.Context(), cmd); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if s.handlers.InterruptMessage == nil {
		s.writeError(w, http.StatusNotImplemented, "not_implemented", "interrupt is not supported by this worker runtime")
		return
	}
	var cmd MessageCommand
	if !s.decodeBody(w, r, &cmd) {
		return
	}
	if err := s.handlers.InterruptMessage(r.Context(), cmd); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTaskPriority(w http.ResponseWriter, r *http.Request) {
	if s.handlers.SetTaskPriority == nil {
		s.writeError(w, http.StatusNotImplemented, "not_implemented", "command not supported")
		return
	}
	var cmd TaskCommand
	if !s.decodeBody(w, r, &cmd) {
		return
	}
	if cmd.TaskID == "" || cmd.Priority == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "taskId and priority are required")
		return
	}
	if err := s.handlers.SetTaskPriority(r.Context(), cmd); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if s.handlers.SetTaskStatus == nil {
		s.writeError(w, http.StatusNotImplemented, "not_implemented", "command not supported")
		return
	}
	var cmd TaskCommand
	if !s.decodeBody(w, r, &cmd) {
		return
	}
	if cmd.TaskID == "" || cmd.Status == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "taskId and status are required")
		return
	}
	if err := s.handlers.SetTaskStatus(r.Context(), cmd); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleIssuePriority(w http.ResponseWriter, r *http.Request) {
	if s.handlers.SetIssuePriority == nil {
		s.writeError(w, http.StatusNotImplemented, "not_implemented", "command not supported")
		return
	}
	var cmd IssueCommand
	if !s.decodeBody(w, r, &cmd) {
		return
	}
	if cmd.Repo == "" || cmd.Number == 0 || cmd.Priority == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "repo, number, and priority are required")
		return
	}
	if err := s.handlers.SetIssuePriority(r.Context(), cmd); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleIssueCmd(w http.ResponseWriter, r *http.Request) {
	if s.handlers.IssueCmd == nil {
		s.writeError(w, http.StatusNotImplemented, "not_implemented", "command not supported")
		return
	}
	var cmd IssueCommand
	if !s.decodeBody(w, r, &cmd) {
		return
	}
	if cmd.Repo == "" || cmd.Number == 0 || cmd.Cmd == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "repo, number, and cmd are required")
		return
	}
	if err := s.handlers.IssueCmd(r.Context(), cmd); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// decodeBody parses the JSON request body into out, writing a 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return false
	}
	return true
}

func isJSONRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && mediaType == "application/json"
}

// writeCommandError maps a handler failure onto the wire. Typed errors keep
// their status; anything else is a 500.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	var typed *Error
	if errors.As(err, &typed) {
		s.writeError(w, typed.Status, typed.Code, typed.Message)
		return
	}
	s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
}
