package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	found, err := h.alerts.List(r.Context(), organization(r), AlertFilterFromQuery(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, found)
}

func (h *Handler) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.alerts.Get(r.Context(), organization(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, alert)
}

type transitionAlertRequest struct {
	Status string `json:"status" validate:"required,oneof=ACKNOWLEDGED RESOLVED DISMISSED"`
	Actor  string `json:"actor,omitempty" validate:"max=255"`
}

func (h *Handler) handleTransitionAlert(w http.ResponseWriter, r *http.Request) {
	var req transitionAlertRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	alert, err := h.alerts.Transition(r.Context(), organization(r), mux.Vars(r)["id"], req.Status, req.Actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.collector.RecordAlertTransition(alert.Status)
	h.writeData(w, http.StatusOK, alert)
}
