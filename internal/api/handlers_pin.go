package api

import (
	"encoding/json"
	"net/http"
)

type pinRequest struct {
	Pin string `json:"pin"`
}

type changePinRequest struct {
	OldPin string `json:"old_pin"`
	NewPin string `json:"new_pin"`
}

// CreatePinHandler sets the caller's first PIN. The creating tab is unlocked.
func (h *SessionHandlers) CreatePinHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	tabID, ok := h.tabID(w, r)
	if !ok {
		return
	}
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.service.CreatePin(r.Context(), identityID, tabID, req.Pin); err != nil {
		h.writeServiceError(w, "create_pin", identityID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"message": "PIN created"})
}

// ChangePinHandler replaces the PIN after checking the old one.
func (h *SessionHandlers) ChangePinHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	tabID, ok := h.tabID(w, r)
	if !ok {
		return
	}
	var req changePinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.service.ChangePin(r.Context(), identityID, tabID, req.OldPin, req.NewPin); err != nil {
		h.writeServiceError(w, "change_pin", identityID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "PIN changed"})
}

// DeletePinHandler removes the PIN after checking it.
func (h *SessionHandlers) DeletePinHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	tabID, ok := h.tabID(w, r)
	if !ok {
		return
	}
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.service.DeletePin(r.Context(), identityID, tabID, req.Pin); err != nil {
		h.writeServiceError(w, "delete_pin", identityID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifyPinHandler unlocks the tab.
func (h *SessionHandlers) VerifyPinHandler(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.identity(w, r)
	if !ok {
		return
	}
	tabID, ok := h.tabID(w, r)
	if !ok {
		return
	}
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.service.VerifyPin(r.Context(), identityID, tabID, req.Pin); err != nil {
		h.writeServiceError(w, "verify_pin", identityID, err)
		return
	}
	status, err := h.service.Status(r.Context(), identityID, tabID)
	if err != nil {
		h.writeServiceError(w, "verify_pin", identityID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTabStatusResponse(status))
}
