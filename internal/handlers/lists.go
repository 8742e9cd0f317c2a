package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ledgerguard/compliance-engine/internal/lists"
)

type createListRequest struct {
	Code       string `json:"code" validate:"required,min=2,max=100"`
	Name       string `json:"name" validate:"required,max=255"`
	EntityType string `json:"entity_type" validate:"required,oneof=COUNTRY ACCOUNT COUNTERPARTY"`
	ListType   string `json:"list_type" validate:"required,oneof=BLACKLIST WHITELIST"`
}

func (h *Handler) handleCreateList(w http.ResponseWriter, r *http.Request) {
	var req createListRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	list, err := h.lists.CreateList(r.Context(), lists.CreateListInput{
		OrganizationID: organization(r),
		Code:           req.Code,
		Name:           req.Name,
		EntityType:     req.EntityType,
		ListType:       req.ListType,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusCreated, list)
}

func (h *Handler) handleListLists(w http.ResponseWriter, r *http.Request) {
	active, err := h.lists.ListActive(r.Context(), organization(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, active)
}

func (h *Handler) handleGetList(w http.ResponseWriter, r *http.Request) {
	list, err := h.lists.GetList(r.Context(), organization(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, list)
}

func (h *Handler) handleDeactivateList(w http.ResponseWriter, r *http.Request) {
	if err := h.lists.DeactivateList(r.Context(), organization(r), mux.Vars(r)["id"]); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, map[string]interface{}{"deactivated": true})
}

type addEntryRequest struct {
	Value string `json:"value" validate:"required,max=255"`
}

func (h *Handler) handleAddListEntry(w http.ResponseWriter, r *http.Request) {
	var req addEntryRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	entry, err := h.lists.AddEntry(r.Context(), organization(r), mux.Vars(r)["id"], req.Value)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusCreated, entry)
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.lists.Entries(r.Context(), organization(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, entries)
}

func (h *Handler) handleRemoveListEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.lists.RemoveEntry(r.Context(), organization(r), vars["id"], vars["value"]); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, map[string]interface{}{"removed": true})
}
