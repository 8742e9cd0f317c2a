package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ledgerguard/compliance-engine/internal/evaluation"
)

type ingestTransactionRequest struct {
	AccountID          string                 `json:"account_id" validate:"required"`
	Type               string                 `json:"type" validate:"required"`
	SubType            *string                `json:"sub_type,omitempty"`
	Amount             float64                `json:"amount"`
	Currency           string                 `json:"currency" validate:"required,len=3"`
	AmountNormalized   *float64               `json:"amount_normalized,omitempty"`
	CurrencyNormalized *string                `json:"currency_normalized,omitempty"`
	Datetime           *time.Time             `json:"datetime,omitempty"`
	Country            *string                `json:"country,omitempty"`
	CounterpartyID     *string                `json:"counterparty_id,omitempty"`
	Channel            *string                `json:"channel,omitempty"`
	Quantity           *float64               `json:"quantity,omitempty"`
	Asset              *string                `json:"asset,omitempty"`
	Price              *float64               `json:"price,omitempty"`
	Origin             *string                `json:"origin,omitempty"`
	ExternalCode       *string                `json:"external_code,omitempty"`
	Data               map[string]interface{} `json:"data,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	DeviceInfo         map[string]interface{} `json:"device_info,omitempty"`
	CreatedBy          *string                `json:"created_by,omitempty"`
}

func (h *Handler) handleIngestTransaction(w http.ResponseWriter, r *http.Request) {
	var req ingestTransactionRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	input := evaluation.IngestInput{
		OrganizationID:     organization(r),
		AccountID:          req.AccountID,
		Type:               req.Type,
		SubType:            req.SubType,
		Amount:             req.Amount,
		Currency:           req.Currency,
		AmountNormalized:   req.AmountNormalized,
		CurrencyNormalized: req.CurrencyNormalized,
		Country:            req.Country,
		CounterpartyID:     req.CounterpartyID,
		Channel:            req.Channel,
		Quantity:           req.Quantity,
		Asset:              req.Asset,
		Price:              req.Price,
		Origin:             req.Origin,
		ExternalCode:       req.ExternalCode,
		Data:               req.Data,
		Metadata:           req.Metadata,
		DeviceInfo:         req.DeviceInfo,
		CreatedBy:          req.CreatedBy,
	}
	if req.Datetime != nil {
		input.Datetime = *req.Datetime
	}

	output, err := h.evaluation.IngestAndEvaluate(r.Context(), input)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.writeData(w, http.StatusCreated, map[string]interface{}{
		"transaction": output.Transaction,
		"evaluation":  output.Result,
		"alerts": map[string]interface{}{
			"created":      output.Alerts.Created,
			"consolidated": output.Alerts.Consolidated,
		},
	})
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.evaluation.GetTransaction(r.Context(), organization(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, tx)
}

func (h *Handler) handleGetEvaluationByTransaction(w http.ResponseWriter, r *http.Request) {
	result, err := h.evaluation.GetResultByTransaction(r.Context(), organization(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, result)
}

func (h *Handler) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	result, err := h.evaluation.GetResult(r.Context(), organization(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, result)
}

func (h *Handler) handleListEvaluationsByAccount(w http.ResponseWriter, r *http.Request) {
	results, err := h.evaluation.ListResultsByAccount(
		r.Context(), organization(r), mux.Vars(r)["accountId"], limitParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, results)
}
