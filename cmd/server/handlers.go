package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hyper-ai-inc/devspace/internal/auth"
	"github.com/hyper-ai-inc/devspace/internal/events"
	"github.com/hyper-ai-inc/devspace/internal/fs"
	"github.com/hyper-ai-inc/devspace/internal/ports"
	"github.com/hyper-ai-inc/devspace/internal/preview"
	"github.com/hyper-ai-inc/devspace/internal/process"
	"github.com/hyper-ai-inc/devspace/internal/sessions"
	"github.com/hyper-ai-inc/devspace/internal/store"
)

const (
	// maxFileBytes bounds a single PUT /file body.
	maxFileBytes = 10 << 20
	// maxJSONBytes bounds JSON request bodies.
	maxJSONBytes = 64 << 10
)

// pushable are the event types collaborator services may inject.
var pushable = map[events.Type]bool{
	events.AgentStatus:   true,
	events.ProjectStatus: true,
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "E80104: invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps package errors to HTTP responses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fs.ErrNotFound),
		errors.Is(err, fs.ErrTemplateNotFound),
		errors.Is(err, process.ErrProcessNotFound),
		errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, store.ErrProjectNotFound):
		http.Error(w, "E80110: "+err.Error(), http.StatusNotFound)
	case errors.Is(err, fs.ErrPathTraversal),
		errors.Is(err, fs.ErrSymlinkDenied),
		errors.Is(err, fs.ErrInvalidPath),
		errors.Is(err, fs.ErrInvalidProjectID),
		errors.Is(err, fs.ErrNotDirectory),
		errors.Is(err, fs.ErrNotFile):
		http.Error(w, "E80111: "+err.Error(), http.StatusBadRequest)
	case errors.Is(err, fs.ErrAlreadyExists),
		errors.Is(err, fs.ErrWorkspaceExists):
		http.Error(w, "E80112: "+err.Error(), http.StatusConflict)
	case errors.Is(err, ports.ErrNoAvailablePorts):
		http.Error(w, "E80113: "+err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, process.ErrNoRunnableConfiguration):
		http.Error(w, "E80114: "+err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, process.ErrCommandTimeout):
		http.Error(w, "E80115: "+err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, auth.ErrForbidden):
		http.Error(w, "E80103: "+err.Error(), http.StatusForbidden)
	default:
		http.Error(w, "E80119: "+err.Error(), http.StatusInternalServerError)
	}
}

// project validates the {id} path value and checks the caller's access to
// it before calling next.
func (s *Server) project(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := r.PathValue("id")
		if err := fs.ValidateProjectID(projectID); err != nil {
			writeError(w, err)
			return
		}
		id, _ := auth.FromContext(r.Context())
		if err := auth.Authorize(r.Context(), s.db, id, projectID); err != nil {
			if !errors.Is(err, auth.ErrForbidden) {
				s.log.WithError(err).WithField("project", projectID).Error("access lookup failed")
			}
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": s.gateway.Connections(),
		"sessions":    s.terminals.Count(),
		"ports":       s.ports.Len(),
	})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": s.files.Templates().List()})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if err := fs.ValidateProjectID(projectID); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Template string `json:"template"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Template == "" {
		req.Template = "blank"
	}

	ctx := r.Context()
	id, _ := auth.FromContext(ctx)
	// Unclaimed projects may be created by anyone; existing ones need access.
	if _, err := s.db.ProjectOwner(ctx, projectID); err == nil {
		if err := auth.Authorize(ctx, s.db, id, projectID); err != nil {
			writeError(w, err)
			return
		}
	} else if !errors.Is(err, store.ErrProjectNotFound) {
		writeError(w, err)
		return
	}

	if err := s.files.CreateWorkspace(projectID, req.Template); err != nil {
		writeError(w, err)
		return
	}
	if !id.Internal {
		if err := s.db.CreateProject(ctx, projectID, id.Subject, req.Template); err != nil {
			s.log.WithError(err).WithField("project", projectID).Warn("failed to record project")
		}
	}
	s.broker.Publish(events.Event{
		Type:      events.ProjectStatus,
		ProjectID: projectID,
		Data:      map[string]string{"status": "created", "template": req.Template},
	})
	writeJSON(w, http.StatusCreated, map[string]string{"projectId": projectID, "template": req.Template})
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	ctx := r.Context()
	log := s.log.WithField("project", projectID)

	if err := s.processes.Remove(lifecycleContext(r), projectID); err != nil {
		log.WithError(err).Warn("failed to stop process")
	}
	if n := s.terminals.DestroyProject(projectID); n > 0 {
		log.WithField("sessions", n).Info("destroyed sessions")
	}
	if err := s.files.DeleteWorkspace(projectID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.DeleteProject(ctx, projectID); err != nil {
		log.WithError(err).Warn("failed to delete project record")
	}
	s.broker.Publish(events.Event{
		Type:      events.ProjectStatus,
		ProjectID: projectID,
		Data:      map[string]string{"status": "deleted"},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := s.files.ListFiles(r.PathValue("id"), r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": entries})
}

// handleFileIndex returns the mirrored size and line counts of every file
// written through the API.
func (s *Server) handleFileIndex(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if !s.files.Exists(projectID) {
		writeError(w, fs.ErrNotFound)
		return
	}
	files, err := s.db.Files(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

func requirePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "E80105: path parameter required", http.StatusBadRequest)
		return "", false
	}
	return path, true
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path, ok := requirePath(w, r)
	if !ok {
		return
	}
	data, err := s.files.ReadFile(r.PathValue("id"), path)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	path, ok := requirePath(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFileBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "E80106: file too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "E80104: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.files.WriteFile(r.PathValue("id"), path, data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path, ok := requirePath(w, r)
	if !ok {
		return
	}
	if err := s.files.DeleteFile(r.PathValue("id"), path); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" {
		http.Error(w, "E80105: from and to are required", http.StatusBadRequest)
		return
	}
	if err := s.files.RenameFile(r.PathValue("id"), req.From, req.To); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatFile(w http.ResponseWriter, r *http.Request) {
	path, ok := requirePath(w, r)
	if !ok {
		return
	}
	info, err := s.files.Stat(r.PathValue("id"), path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCreateDirectory(w http.ResponseWriter, r *http.Request) {
	path, ok := requirePath(w, r)
	if !ok {
		return
	}
	if err := s.files.CreateDirectory(r.PathValue("id"), path); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleProcessStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.processes.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStartProcess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
		Env     []string `json:"env"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	projectID := r.PathValue("id")
	var (
		rec process.Record
		err error
	)
	ctx := lifecycleContext(r)
	if req.Command == "" {
		rec, err = s.processes.StartDevServer(ctx, projectID)
	} else {
		rec, err = s.processes.Start(ctx, projectID, req.Command, req.Args, req.Env)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// lifecycleContext keeps request values but not cancellation, so a client
// that disconnects mid-stop does not cut the SIGTERM grace period short.
func lifecycleContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Server) handleStopProcess(w http.ResponseWriter, r *http.Request) {
	if err := s.processes.Stop(lifecycleContext(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestartProcess(w http.ResponseWriter, r *http.Request) {
	rec, err := s.processes.Restart(lifecycleContext(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command   string `json:"command"`
		TimeoutMs int64  `json:"timeoutMs"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		http.Error(w, "E80105: command is required", http.StatusBadRequest)
		return
	}

	result, err := s.processes.RunCommand(r.Context(), r.PathValue("id"), req.Command, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil && !errors.Is(err, process.ErrCommandFailed) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.terminals.List(r.PathValue("id"))})
}

func (s *Server) handlePreviewURL(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	url, running := s.preview.URL(projectID)
	resp := map[string]interface{}{
		"url":     url,
		"running": running,
	}
	if port, ok := s.processes.Port(projectID); ok {
		resp["port"] = port
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePreviewRedirect(w http.ResponseWriter, r *http.Request) {
	target := preview.Prefix(r.PathValue("id"))
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	s.stream.Serve(w, r, r.PathValue("id"))
}

func (s *Server) handlePushEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type events.Type     `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !pushable[req.Type] {
		http.Error(w, "E80107: unsupported event type", http.StatusBadRequest)
		return
	}

	var data interface{}
	if len(req.Data) > 0 {
		data = req.Data
	}
	s.gateway.Broadcast(r.PathValue("id"), req.Type, data)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAddCollaborator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		http.Error(w, "E80105: userId is required", http.StatusBadRequest)
		return
	}

	projectID := r.PathValue("id")
	if err := s.db.AddCollaborator(r.Context(), projectID, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	s.log.WithFields(logrus.Fields{"project": projectID, "user": req.UserID}).Info("collaborator added")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	if err := s.db.RemoveCollaborator(r.Context(), r.PathValue("id"), r.PathValue("userId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := r.PathValue("userId")
	if err := s.db.EnsureUser(r.Context(), userID, req.Role); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
