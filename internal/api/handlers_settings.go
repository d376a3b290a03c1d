package api

import (
	"encoding/json"
	"net/http"

	"github.com/transfa/session-service/internal/app"
)

type settingsRequest struct {
	LogoutTimeoutMs *int64 `json:"logout_timeout_ms"`
	PinTimeoutMs    *int64 `json:"pin_timeout_ms"`
}

type settingsResponse struct {
	LogoutTimeoutMs int64 `json:"logout_timeout_ms"`
	PinTimeoutMs    int64 `json:"pin_timeout_ms"`
}

// UpdateSettingsHandler changes the caller's timeouts. Zero disables a timer.
// The change applies at once and reaches the caller's other tabs after the
// write debounce.
func (h *SessionHandlers) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	tabID, ok := h.tabID(w, r)
	if !ok {
		return
	}
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	settings, err := h.service.UpdateSettings(identityID, tabID, app.SettingsUpdate{
		LogoutTimeoutMs: req.LogoutTimeoutMs,
		PinTimeoutMs:    req.PinTimeoutMs,
	})
	if err != nil {
		h.writeServiceError(w, "update_settings", identityID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settingsResponse{
		LogoutTimeoutMs: settings.LogoutTimeout.Milliseconds(),
		PinTimeoutMs:    settings.PinTimeout.Milliseconds(),
	})
}
