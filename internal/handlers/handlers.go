package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgerguard/compliance-engine/internal/alerts"
	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/errs"
	"github.com/ledgerguard/compliance-engine/internal/evaluation"
	"github.com/ledgerguard/compliance-engine/internal/lists"
	"github.com/ledgerguard/compliance-engine/internal/metrics"
	"github.com/ledgerguard/compliance-engine/internal/rules"
	"github.com/ledgerguard/compliance-engine/internal/stream"
)

// OrganizationHeader carries the tenant context on every API request.
const OrganizationHeader = "X-Organization-ID"

// Handler wires the HTTP API to the domain services.
type Handler struct {
	logger     *slog.Logger
	validate   *validator.Validate
	evaluation *evaluation.Service
	templates  *rules.TemplateService
	versions   *rules.VersionService
	lists      *lists.Service
	alerts     *alerts.Service
	hub        *stream.Hub
	collector  *metrics.Collector
}

// New creates the HTTP handler.
func New(
	logger *slog.Logger,
	evaluationSvc *evaluation.Service,
	templates *rules.TemplateService,
	versions *rules.VersionService,
	listSvc *lists.Service,
	alertSvc *alerts.Service,
	hub *stream.Hub,
	collector *metrics.Collector,
) *Handler {
	return &Handler{
		logger:     logger,
		validate:   validator.New(),
		evaluation: evaluationSvc,
		templates:  templates,
		versions:   versions,
		lists:      listSvc,
		alerts:     alertSvc,
		hub:        hub,
		collector:  collector,
	}
}

// RegisterRoutes registers all routes on the router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(h.requestMiddleware)

	api.HandleFunc("/transactions", h.handleIngestTransaction).Methods("POST")
	api.HandleFunc("/transactions/{id}", h.handleGetTransaction).Methods("GET")
	api.HandleFunc("/transactions/{id}/evaluation", h.handleGetEvaluationByTransaction).Methods("GET")
	api.HandleFunc("/evaluations/{id}", h.handleGetEvaluation).Methods("GET")
	api.HandleFunc("/accounts/{accountId}/evaluations", h.handleListEvaluationsByAccount).Methods("GET")

	api.HandleFunc("/rule-templates", h.handleCreateTemplate).Methods("POST")
	api.HandleFunc("/rule-templates", h.handleListTemplates).Methods("GET")
	api.HandleFunc("/rule-templates/{id}", h.handleGetTemplate).Methods("GET")
	api.HandleFunc("/rule-templates/{id}", h.handleDeactivateTemplate).Methods("DELETE")
	api.HandleFunc("/rule-templates/{id}/versions", h.handleCreateVersion).Methods("POST")
	api.HandleFunc("/rule-versions/{id}", h.handleGetVersion).Methods("GET")
	api.HandleFunc("/rule-versions/{id}", h.handleDeactivateVersion).Methods("DELETE")
	api.HandleFunc("/rules/active", h.handleListActiveRules).Methods("GET")
	api.HandleFunc("/rules/validate", h.handleValidateConditions).Methods("POST")

	api.HandleFunc("/lists", h.handleCreateList).Methods("POST")
	api.HandleFunc("/lists", h.handleListLists).Methods("GET")
	api.HandleFunc("/lists/{id}", h.handleGetList).Methods("GET")
	api.HandleFunc("/lists/{id}", h.handleDeactivateList).Methods("DELETE")
	api.HandleFunc("/lists/{id}/entries", h.handleAddListEntry).Methods("POST")
	api.HandleFunc("/lists/{id}/entries", h.handleListEntries).Methods("GET")
	api.HandleFunc("/lists/{id}/entries/{value}", h.handleRemoveListEntry).Methods("DELETE")

	api.HandleFunc("/alerts", h.handleListAlerts).Methods("GET")
	api.HandleFunc("/alerts/{id}", h.handleGetAlert).Methods("GET")
	api.HandleFunc("/alerts/{id}/status", h.handleTransitionAlert).Methods("POST")

	api.HandleFunc("/stream", h.handleStream).Methods("GET")
}

// requestMiddleware logs every API request and records its metrics.
func (h *Handler) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		elapsed := time.Since(started)
		h.collector.RecordHTTPRequest(r.Method, route, strconv.Itoa(recorder.status), elapsed)
		h.logger.Debug("Request handled",
			"method", r.Method, "path", r.URL.Path, "status", recorder.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "compliance-engine",
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	orgID := r.Header.Get(OrganizationHeader)
	if orgID == "" {
		orgID = r.URL.Query().Get("organization_id")
	}
	if orgID == "" {
		h.writeDomainError(w, r, errs.New(errs.OrganizationContextRequired, "organization context is required"))
		return
	}
	h.hub.HandleWebSocket(w, r, orgID)
}

// writeJSON writes a success envelope.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeData(w http.ResponseWriter, status int, data interface{}) {
	h.writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// writeDomainError maps the error taxonomy onto transport status codes and
// writes the error envelope.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := statusFor(code)

	payload := map[string]interface{}{
		"code":      string(code),
		"message":   err.Error(),
		"timestamp": time.Now().UTC(),
		"path":      r.URL.Path,
	}
	var typed *errs.Error
	if ok := errAs(err, &typed); ok {
		payload["message"] = typed.Message
		if typed.Details != nil {
			payload["details"] = typed.Details
		}
	}
	if code == "" {
		payload["code"] = "INTERNAL_ERROR"
		payload["message"] = "internal server error"
		h.logger.Error("Request failed", "path", r.URL.Path, "error", err)
	}

	h.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   payload,
	})
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.EntityNotFound:
		return http.StatusNotFound
	case errs.ValidationError, errs.OrganizationContextRequired:
		return http.StatusBadRequest
	case errs.BusinessRuleViolation, errs.InactiveEntity:
		return http.StatusUnprocessableEntity
	case errs.InvalidState, errs.DuplicateOperation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// organization extracts the tenant context header.
func organization(r *http.Request) string {
	return r.Header.Get(OrganizationHeader)
}

// decode parses and validates a request body.
func (h *Handler) decode(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return errs.Wrap(errs.ValidationError, err, "invalid request body")
	}
	if err := h.validate.Struct(dest); err != nil {
		return errs.Wrap(errs.ValidationError, err, "request validation failed")
	}
	return nil
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}

// errAs is a small wrapper so the handlers avoid importing errors directly
// everywhere.
func errAs(err error, target **errs.Error) bool {
	for err != nil {
		if typed, ok := err.(*errs.Error); ok {
			*target = typed
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// AlertFilterFromQuery builds the alert list filter from query params.
func AlertFilterFromQuery(r *http.Request) database.AlertFilter {
	query := r.URL.Query()
	filter := database.AlertFilter{
		Status:    query.Get("status"),
		Severity:  query.Get("severity"),
		AccountID: query.Get("account_id"),
	}
	if limit := limitParam(r); limit > 0 {
		filter.Limit = limit
	}
	return filter
}
