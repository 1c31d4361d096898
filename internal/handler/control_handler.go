package handler

import (
	"context"
	"net/http"

	"locsync/internal/domain"
	"locsync/internal/observability"
)

// Engine is the session facade the control API drives.
type Engine interface {
	Login(ctx context.Context, username, password string) error
	Register(ctx context.Context, username, password string) error
	Logout(ctx context.Context) error
	SetInterval(ctx context.Context, interval domain.Interval) error
	SyncNow(ctx context.Context) error
	Status() domain.Status
	Intervals() []domain.Interval
}

// ControlHandler serves /api/v1.
type ControlHandler struct {
	engine Engine
}

func NewControlHandler(engine Engine) *ControlHandler {
	return &ControlHandler{engine: engine}
}

// CredentialsRequest is the body of login and register.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	Success bool `json:"success"`
}

type IntervalRequest struct {
	Interval domain.Interval `json:"interval"`
}

type IntervalsResponse struct {
	Presets []domain.Interval `json:"presets"`
}

// Login handles POST /api/v1/session/login
func (h *ControlHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r = r.WithContext(observability.WithUsername(r.Context(), req.Username))
	if err := h.engine.Login(r.Context(), req.Username, req.Password); err != nil {
		writeEngineError(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// Register handles POST /api/v1/session/register
func (h *ControlHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r = r.WithContext(observability.WithUsername(r.Context(), req.Username))
	if err := h.engine.Register(r.Context(), req.Username, req.Password); err != nil {
		writeEngineError(w, r, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{Success: true})
}

// Logout handles POST /api/v1/session/logout
func (h *ControlHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Logout(r.Context()); err != nil {
		writeEngineError(w, r, "logout", err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *ControlHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// SetInterval handles PUT /api/v1/interval
func (h *ControlHandler) SetInterval(w http.ResponseWriter, r *http.Request) {
	var req IntervalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "interval must be \"OFF\" or a duration such as \"5s\"")
		return
	}

	if err := h.engine.SetInterval(r.Context(), req.Interval); err != nil {
		writeEngineError(w, r, "set interval", err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *ControlHandler) Intervals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, IntervalsResponse{Presets: h.engine.Intervals()})
}

// Sync handles POST /api/v1/sync. The cycle has finished when it responds.
func (h *ControlHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.SyncNow(r.Context()); err != nil {
		writeEngineError(w, r, "sync", err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.engine.Status())
}
