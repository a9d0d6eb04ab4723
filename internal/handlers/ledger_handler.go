package handlers

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AccountService is the account side of the ledger core.
type AccountService interface {
	Provision(ctx context.Context, actor models.Actor, clientID int64, accountType models.AccountType) (*models.Account, error)
	GetAccount(ctx context.Context, accountNumber string) (*models.Account, error)
	ChangeStatus(ctx context.Context, actor models.Actor, accountNumber string, status models.AccountStatus) (*models.Account, error)
}

type TransferService interface {
	Transfer(ctx context.Context, actor models.Actor, req services.TransferRequest) (*models.Movement, error)
}

type AuditTrail interface {
	Trail(ctx context.Context, entityType, entityID string, from, to time.Time) iter.Seq2[models.AuditEvent, error]
}

type LedgerHandler struct {
	accounts  AccountService
	transfers TransferService
	audit     AuditTrail
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewLedgerHandler(accounts AccountService, transfers TransferService, audit AuditTrail, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		accounts:  accounts,
		transfers: transfers,
		audit:     audit,
		validator: services.NewValidationHelper(),
		logger:    logger.Named("http"),
	}
}

// Routes mounts the ledger endpoints on r.
func (h *LedgerHandler) Routes(r chi.Router) {
	r.Post("/accounts", h.ProvisionAccount)
	r.Get("/accounts/{accountNumber}", h.GetAccount)
	r.Put("/accounts/{accountNumber}/status", h.ChangeStatus)
	r.Post("/transfers", h.Transfer)
	r.Get("/audit/{entityType}/{entityId}", h.AuditTrail)
}

type ProvisionAccountRequest struct {
	ClientID    int64  `json:"clientId" validate:"required,gt=0"`
	AccountType string `json:"accountType" validate:"required"`
}

type AccountResponse struct {
	AccountID     int64  `json:"accountId"`
	AccountNumber string `json:"accountNumber"`
	AccountType   string `json:"accountType"`
	Balance       string `json:"balance"`
	Status        string `json:"status"`
}

type ChangeStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type TransferRequest struct {
	Origin      *string         `json:"origin"`
	Destination *string         `json:"destination"`
	Amount      decimal.Decimal `json:"amount" swaggertype:"string" example:"100.00"`
	Kind        string          `json:"kind" validate:"required"`
	Description string          `json:"description" validate:"max=255"`
}

type TransferResponse struct {
	MovementID     string    `json:"movementId"`
	Amount         string    `json:"amount"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	OriginRef      *string   `json:"originRef"`
	DestinationRef *string   `json:"destinationRef"`
	Timestamp      time.Time `json:"timestamp"`
}

// ProvisionAccount opens an account for a client
// @Summary Provision account
// @Description Open a checking or savings account with a zero balance for an existing client
// @Tags Accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ProvisionAccountRequest true "Provisioning request"
// @Success 201 {object} AccountResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 503 {object} services.ErrorResponse
// @Router /accounts [post]
func (h *LedgerHandler) ProvisionAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, services.KindUnauthorized, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ProvisionAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.accounts.Provision(r.Context(), actor, req.ClientID, models.AccountType(req.AccountType))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, accountResponse(account))
}

// GetAccount returns an account
// @Summary Get account
// @Description Read an account by its account number
// @Tags Accounts
// @Produce json
// @Security BearerAuth
// @Param accountNumber path string true "Account number"
// @Success 200 {object} AccountResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/{accountNumber} [get]
func (h *LedgerHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.GetAccount(r.Context(), chi.URLParam(r, "accountNumber"))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse(account))
}

// ChangeStatus blocks, unblocks or deactivates an account
// @Summary Change account status
// @Description Move an account between active and blocked, or deactivate it once its balance is zero
// @Tags Accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param accountNumber path string true "Account number"
// @Param request body ChangeStatusRequest true "Target status"
// @Success 200 {object} AccountResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /accounts/{accountNumber}/status [put]
func (h *LedgerHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, services.KindUnauthorized, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ChangeStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.accounts.ChangeStatus(r.Context(), actor, chi.URLParam(r, "accountNumber"), models.AccountStatus(req.Status))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse(account))
}

// Transfer moves funds
// @Summary Transfer funds
// @Description Move funds between two accounts, or between an account and an external counterpart
// @Tags Transfers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body TransferRequest true "Transfer request"
// @Success 201 {object} TransferResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Failure 503 {object} services.ErrorResponse
// @Router /transfers [post]
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, services.KindUnauthorized, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	movement, err := h.transfers.Transfer(r.Context(), actor, services.TransferRequest{
		Origin:      req.Origin,
		Destination: req.Destination,
		Amount:      req.Amount,
		Kind:        models.MovementKind(req.Kind),
		Description: req.Description,
	})
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TransferResponse{
		MovementID:     movement.ID.String(),
		Amount:         movement.Amount.StringFixed(2),
		Kind:           string(movement.Kind),
		Status:         string(movement.Status),
		OriginRef:      movement.OriginRef,
		DestinationRef: movement.DestinationRef,
		Timestamp:      movement.CreatedAt,
	})
}

// AuditTrail streams the audit events of an entity
// @Summary Audit trail
// @Description List the audit events of an entity, oldest first, within [from, to)
// @Tags Audit
// @Produce json
// @Security BearerAuth
// @Param entityType path string true "Entity type" example(account)
// @Param entityId path string true "Entity id"
// @Param from query string false "RFC 3339 lower bound (inclusive)"
// @Param to query string false "RFC 3339 upper bound (exclusive), defaults to now"
// @Success 200 {array} models.AuditEvent
// @Failure 400 {object} services.ErrorResponse
// @Router /audit/{entityType}/{entityId} [get]
func (h *LedgerHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	from, ok := parseTime(w, r.URL.Query().Get("from"), "from")
	if !ok {
		return
	}
	to, ok := parseTime(w, r.URL.Query().Get("to"), "to")
	if !ok {
		return
	}
	if !to.IsZero() && !from.Before(to) {
		services.SendErrorResponse(w, services.KindInvalidRequest, "from must be before to", http.StatusBadRequest, nil)
		return
	}

	entityType, entityID := chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId")

	started := false
	enc := json.NewEncoder(w)
	for event, err := range h.audit.Trail(r.Context(), entityType, entityID, from, to) {
		if err != nil {
			if !started {
				services.SendLedgerError(w, err)
				return
			}
			// The status line is gone; cut the connection so the client
			// sees a truncated body rather than a short list.
			h.logger.Error("audit trail aborted mid-stream", zap.String("entity_id", entityID), zap.Error(err))
			panic(http.ErrAbortHandler)
		}

		if !started {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "[")
			started = true
		} else {
			io.WriteString(w, ",")
		}
		enc.Encode(event)
	}

	if !started {
		writeJSON(w, http.StatusOK, []models.AuditEvent{})
		return
	}
	io.WriteString(w, "]")
}

// decode reads a single JSON object into dst and validates it, writing the
// error response itself when it fails.
func (h *LedgerHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, services.KindInvalidRequest, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, services.KindInvalidRequest, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, services.KindInvalidRequest, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func parseTime(w http.ResponseWriter, raw, name string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		services.SendErrorResponse(w, services.KindInvalidRequest, name+" must be an RFC 3339 timestamp", http.StatusBadRequest, nil)
		return time.Time{}, false
	}
	return t, true
}

func accountResponse(a *models.Account) AccountResponse {
	return AccountResponse{
		AccountID:     a.ID,
		AccountNumber: a.AccountNumber,
		AccountType:   string(a.Type),
		Balance:       a.Balance.StringFixed(2),
		Status:        string(a.Status),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
