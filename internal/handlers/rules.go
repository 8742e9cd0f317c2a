package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ledgerguard/compliance-engine/internal/engine"
	"github.com/ledgerguard/compliance-engine/internal/rules"
)

type createTemplateRequest struct {
	Code             string  `json:"code" validate:"required,min=2,max=100"`
	Name             string  `json:"name" validate:"required,max=255"`
	Category         string  `json:"category" validate:"required,max=100"`
	IsSystem         bool    `json:"is_system"`
	ParentTemplateID *string `json:"parent_template_id,omitempty"`
}

func (h *Handler) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	template, err := h.templates.Create(r.Context(), rules.CreateTemplateInput{
		OrganizationID:   organization(r),
		Code:             req.Code,
		Name:             req.Name,
		Category:         req.Category,
		IsSystem:         req.IsSystem,
		ParentTemplateID: req.ParentTemplateID,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusCreated, template)
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.templates.List(r.Context(), organization(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, templates)
}

func (h *Handler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	template, err := h.templates.Get(r.Context(), organization(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, template)
}

func (h *Handler) handleDeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.templates.Deactivate(r.Context(), organization(r), mux.Vars(r)["id"]); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, map[string]interface{}{"deactivated": true})
}

type createVersionRequest struct {
	Conditions json.RawMessage `json:"conditions" validate:"required"`
	Actions    []engine.Action `json:"actions" validate:"required,min=1,dive"`
	Window     *engine.Window  `json:"window,omitempty"`
	Priority   int             `json:"priority"`
	Enabled    bool            `json:"enabled"`
}

func (h *Handler) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req createVersionRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	version, err := h.versions.Create(r.Context(), rules.CreateVersionInput{
		OrganizationID: organization(r),
		RuleTemplateID: mux.Vars(r)["id"],
		Conditions:     req.Conditions,
		Actions:        req.Actions,
		Window:         req.Window,
		Priority:       req.Priority,
		Enabled:        req.Enabled,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusCreated, version)
}

func (h *Handler) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := h.versions.Get(r.Context(), organization(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, version)
}

func (h *Handler) handleDeactivateVersion(w http.ResponseWriter, r *http.Request) {
	if err := h.versions.Deactivate(r.Context(), organization(r), mux.Vars(r)["id"]); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, map[string]interface{}{"deactivated": true})
}

func (h *Handler) handleListActiveRules(w http.ResponseWriter, r *http.Request) {
	versions, err := h.versions.ActiveVersions(r.Context(), organization(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, versions)
}

type validateConditionsRequest struct {
	Conditions json.RawMessage `json:"conditions" validate:"required"`
}

func (h *Handler) handleValidateConditions(w http.ResponseWriter, r *http.Request) {
	var req validateConditionsRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, engine.ValidateConditions(req.Conditions))
}
