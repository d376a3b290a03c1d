/**
 * @description
 * This file contains the HTTP handlers for the session-service's tab endpoints.
 * Handlers parse the request, call the application service, and translate its
 * result or typed error into a JSON response.
 *
 * @dependencies
 * - internal/app, internal/domain: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/transfa/session-service/internal/app"
	"github.com/transfa/session-service/internal/domain"
)

// SessionHandlers holds the application service that handlers will use.
type SessionHandlers struct {
	service *app.Service
}

// NewSessionHandlers creates a new instance of SessionHandlers.
func NewSessionHandlers(service *app.Service) *SessionHandlers {
	return &SessionHandlers{service: service}
}

type redirectResponse struct {
	Route  string `json:"route"`
	Reason string `json:"reason"`
}

type tabStatusResponse struct {
	TabID              string            `json:"tab_id"`
	SessionID          string            `json:"session_id,omitempty"`
	Usable             bool              `json:"usable"`
	LogoutState        string            `json:"logout_state"`
	LogoutDeadline     *time.Time        `json:"logout_deadline,omitempty"`
	LastActivityAt     time.Time         `json:"last_activity_at"`
	WarningVisible     bool              `json:"warning_visible"`
	WarningRemainingMs int64             `json:"warning_remaining_ms"`
	PinState           string            `json:"pin_state"`
	LockoutRemainingMs int64             `json:"lockout_remaining_ms"`
	LogoutTimeoutMs    int64             `json:"logout_timeout_ms"`
	PinTimeoutMs       int64             `json:"pin_timeout_ms"`
	Redirect           *redirectResponse `json:"redirect,omitempty"`
}

func buildTabStatusResponse(status app.TabStatus) tabStatusResponse {
	resp := tabStatusResponse{
		TabID:              status.TabID.String(),
		Usable:             status.Usable,
		LogoutState:        status.LogoutState.String(),
		LogoutDeadline:     status.LogoutDeadline,
		LastActivityAt:     status.LastActivity,
		WarningVisible:     status.Warning.Visible,
		WarningRemainingMs: status.Warning.Remaining.Milliseconds(),
		PinState:           status.Pin.State.String(),
		LockoutRemainingMs: status.Pin.Remaining.Milliseconds(),
		LogoutTimeoutMs:    status.Settings.LogoutTimeout.Milliseconds(),
		PinTimeoutMs:       status.Settings.PinTimeout.Milliseconds(),
	}
	if status.SessionID != uuid.Nil {
		resp.SessionID = status.SessionID.String()
	}
	if status.Redirect != nil {
		resp.Redirect = &redirectResponse{Route: status.Redirect.Route, Reason: string(status.Redirect.Reason)}
	}
	return resp
}

// identity returns the authenticated identity or writes a 401.
func (h *SessionHandlers) identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	identityID, ok := GetIdentityID(r.Context())
	if !ok || identityID == "" {
		h.writeError(w, http.StatusUnauthorized, "Could not get identity from context")
		return "", false
	}
	return identityID, true
}

// tabID parses the {tabID} path parameter or writes a 400.
func (h *SessionHandlers) tabID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tabID, err := uuid.Parse(chi.URLParam(r, "tabID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid tab ID")
		return uuid.Nil, false
	}
	return tabID, true
}

// OpenTabHandler registers a new dashboard tab for the caller.
func (h *SessionHandlers) OpenTabHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	status, err := h.service.OpenTab(r.Context(), identityID)
	if err != nil {
		h.writeServiceError(w, "open_tab", identityID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildTabStatusResponse(status))
}

// CloseTabHandler unregisters a tab when the browser closes it.
func (h *SessionHandlers) CloseTabHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	tabID, ok := h.tabID(w, r)
	if !ok {
		return
	}
	if err := h.service.CloseTab(r.Context(), identityID, tabID); err != nil {
		h.writeServiceError(w, "close_tab", identityID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatusHandler returns the tab's countdown, PIN state and pending redirect.
func (h *SessionHandlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	tabID, ok := h.tabID(w, r)
	if !ok {
		return
	}
	status, err := h.service.Status(r.Context(), identityID, tabID)
	if err != nil {
		h.writeServiceError(w, "status", identityID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTabStatusResponse(status))
}

type activityRequest struct {
	Source string `json:"source"`
}

// ActivityHandler records a user interaction in the tab.
func (h *SessionHandlers) ActivityHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	tabID, ok := h.tabID(w, r)
	if !ok {
		return
	}
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	source, valid := domain.ParseActivitySource(req.Source)
	if !valid {
		h.writeError(w, http.StatusBadRequest, "Unknown activity source")
		return
	}
	accepted, err := h.service.RecordActivity(identityID, tabID, source)
	if err != nil {
		h.writeServiceError(w, "activity", identityID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

// VisibilityHandler re-checks the deadline of a tab returning to the foreground.
func (h *SessionHandlers) VisibilityHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	tabID, ok := h.tabID(w, r)
	if !ok {
		return
	}
	status, err := h.service.Visible(r.Context(), identityID, tabID)
	if err != nil {
		h.writeServiceError(w, "visibility", identityID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTabStatusResponse(status))
}

// ContinueHandler is the warning dialog's "stay signed in" button.
func (h *SessionHandlers) ContinueHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	tabID, ok := h.tabID(w, r)
	if !ok {
		return
	}
	status, err := h.service.ContinueSession(r.Context(), identityID, tabID)
	if err != nil {
		h.writeServiceError(w, "continue", identityID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTabStatusResponse(status))
}

// LogoutHandler signs the caller out from every tab.
func (h *SessionHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	tabID, ok := h.tabID(w, r)
	if !ok {
		return
	}
	status, err := h.service.Logout(r.Context(), identityID, tabID)
	if err != nil {
		h.writeServiceError(w, "logout", identityID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTabStatusResponse(status))
}

// LockHandler requires the PIN again in this tab.
func (h *SessionHandlers) LockHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	tabID, ok := h.tabID(w, r)
	if !ok {
		return
	}
	status, err := h.service.LockNow(r.Context(), identityID, tabID)
	if err != nil {
		h.writeServiceError(w, "lock", identityID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTabStatusResponse(status))
}

// writeServiceError maps application errors to HTTP responses.
func (h *SessionHandlers) writeServiceError(w http.ResponseWriter, endpoint, identityID string, err error) {
	var (
		invalidLength *app.InvalidPinLengthError
		mismatch      *app.PinMismatchError
		lockedOut     *app.LockedOutError
		rateLimited   *app.RateLimitedError
	)
	switch {
	case errors.Is(err, app.ErrTabNotFound):
		h.writeError(w, http.StatusNotFound, "Tab not found")
	case errors.As(err, &invalidLength):
		h.writeError(w, http.StatusBadRequest, invalidLength.Error())
	case errors.Is(err, app.ErrInvalidSettings):
		h.writeError(w, http.StatusBadRequest, "Timeouts must be zero or positive milliseconds")
	case errors.As(err, &mismatch):
		h.writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error":              "Incorrect PIN",
			"attempts_remaining": mismatch.AttemptsRemaining,
		})
	case errors.As(err, &lockedOut):
		h.writeJSON(w, http.StatusLocked, map[string]interface{}{
			"error":        "Too many incorrect PIN attempts. Please wait and try again.",
			"remaining_ms": lockedOut.Remaining.Milliseconds(),
		})
	case errors.Is(err, app.ErrNoPinConfigured):
		h.writeError(w, http.StatusPreconditionFailed, "PIN is not set. Please create your PIN first.")
	case errors.Is(err, app.ErrPinAlreadyConfigured):
		h.writeError(w, http.StatusConflict, "PIN is already set. Use change PIN instead.")
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many PIN requests. Please slow down.")
	default:
		log.Printf("level=error component=api endpoint=%s identity_id=%s err=%v", endpoint, identityID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *SessionHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *SessionHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
