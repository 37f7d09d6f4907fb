package handler

import (
	"buttonsync/internal/model"
	"buttonsync/internal/service"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
)

// SessionHandler handles rendezvous session endpoints
type SessionHandler struct {
	sessionSvc *service.SessionService
	authSvc    *service.AuthService
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessionSvc *service.SessionService, authSvc *service.AuthService) *SessionHandler {
	return &SessionHandler{
		sessionSvc: sessionSvc,
		authSvc:    authSvc,
	}
}

// sessionCode reads and normalizes the {code} path variable
func sessionCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	code, err := model.NormalizeCode(mux.Vars(r)["code"])
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return "", false
	}
	return code, true
}

// Create handles POST /v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionSvc.CreateSession(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	token, err := h.authSvc.GenerateInitiatorToken(session)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, model.CreateSessionResponse{
		SessionID:      session.SessionID,
		InitiatorToken: token,
		ExpiresAt:      session.ExpiresAt.UnixMilli(),
	})
}

// Get handles GET /v1/sessions/{code}. Unknown sessions yield a JSON null.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	code, ok := sessionCode(w, r)
	if !ok {
		return
	}

	session, err := h.sessionSvc.GetSession(r.Context(), code)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if session == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	writeJSON(w, http.StatusOK, session.View())
}

// Press handles POST /v1/sessions/{code}/press
func (h *SessionHandler) Press(w http.ResponseWriter, r *http.Request) {
	code, ok := sessionCode(w, r)
	if !ok {
		return
	}

	var req model.PressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}
	if req.Role == 0 {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "role is required")
		return
	}

	result, err := h.sessionSvc.PressButton(r.Context(), code, req.Role)
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Str("session_id", code).Str("role", req.Role.String()).Msg("press rejected")
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Reset handles POST /v1/sessions/{code}/reset (initiator only)
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	code, ok := sessionCode(w, r)
	if !ok {
		return
	}

	session, err := h.sessionSvc.ResetSession(r.Context(), code)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, model.ResetSessionResponse{SessionID: session.SessionID})
}

// Stats handles GET /v1/stats
func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessionSvc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
