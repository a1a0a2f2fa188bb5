package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sethuramanv/payrecon/internal/domain"
	"github.com/sethuramanv/payrecon/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payrecon_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Reconciler is the core entry point the transport layer drives.
type Reconciler interface {
	ReconcileDeposit(ctx context.Context, ev domain.CanonicalEvent) (*domain.LedgerEntry, error)
	ReconcileWithdrawal(ctx context.Context, ev domain.CanonicalEvent) (*domain.LedgerEntry, error)
}

// Directory is the read/onboarding surface backed by the store.
type Directory interface {
	CreateAccount(ctx context.Context, phone string, balance int64) (int64, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error)
	FindByExternalID(ctx context.Context, externalID string) (*domain.LedgerEntry, error)
}

type Handler struct {
	recon Reconciler
	dir   Directory
}

func NewHandler(recon Reconciler, dir Directory) *Handler {
	return &Handler{recon: recon, dir: dir}
}

// Register attaches all routes to the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/callbacks/deposits", h.DepositCallbackHandler).Methods("POST")
	apiV1.HandleFunc("/callbacks/withdrawals", h.WithdrawalCallbackHandler).Methods("POST")
	apiV1.HandleFunc("/accounts", h.CreateAccountHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/entries", h.GetAccountEntriesHandler).Methods("GET")
	apiV1.HandleFunc("/entries/{externalID}", h.GetEntryHandler).Methods("GET")
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) DepositCallbackHandler(w http.ResponseWriter, r *http.Request) {
	h.handleCallback(w, r, "/callbacks/deposits", h.recon.ReconcileDeposit)
}

func (h *Handler) WithdrawalCallbackHandler(w http.ResponseWriter, r *http.Request) {
	h.handleCallback(w, r, "/callbacks/withdrawals", h.recon.ReconcileWithdrawal)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request, endpoint string,
	reconcile func(context.Context, domain.CanonicalEvent) (*domain.LedgerEntry, error)) {

	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", endpoint)
		return
	}

	ev, err := NormalizeEvent(body)
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), "POST", endpoint)
		return
	}

	entry, err := reconcile(r.Context(), ev)
	if err != nil {
		h.respondError(w, statusForError(err), err.Error(), "POST", endpoint)
		return
	}

	// A replayed external id and a fresh reconciliation both return the stored
	// entry; provider retry loops treat 200/201 identically.
	w.Header().Set("Location", fmt.Sprintf("/api/v1/entries/%s", entry.ExternalID))
	h.respondJSON(w, http.StatusCreated, entry, "POST", endpoint)
}

// statusForError maps the service taxonomy onto response codes. Every failure
// kind is a client or upstream concern; only unclassified errors become 500s.
func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidEvent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrDuplicateReference):
		return http.StatusConflict
	case errors.Is(err, service.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone   string `json:"phone"`
		Balance int64  `json:"balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		h.respondError(w, http.StatusBadRequest, "Phone is required", "POST", "/accounts")
		return
	}
	if req.Balance < 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "Opening balance must not be negative", "POST", "/accounts")
		return
	}

	id, err := h.dir.CreateAccount(r.Context(), req.Phone, req.Balance)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "System error creating account", "POST", "/accounts")
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]int64{"account_id": id}, "POST", "/accounts")
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid account id", "GET", "/accounts/{id}")
		return
	}

	acct, err := h.dir.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Account not found", "GET", "/accounts/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/accounts/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, acct, "GET", "/accounts/{id}")
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid account id", "GET", "/accounts/{id}/entries")
		return
	}

	entries, err := h.dir.GetEntries(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Account not found", "GET", "/accounts/{id}/entries")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/accounts/{id}/entries")
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	h.respondJSON(w, http.StatusOK, entries, "GET", "/accounts/{id}/entries")
}

func (h *Handler) GetEntryHandler(w http.ResponseWriter, r *http.Request) {
	externalID := mux.Vars(r)["externalID"]

	entry, err := h.dir.FindByExternalID(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Entry not found", "GET", "/entries/{externalID}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/entries/{externalID}")
		return
	}
	h.respondJSON(w, http.StatusOK, entry, "GET", "/entries/{externalID}")
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
