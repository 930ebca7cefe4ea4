package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"ledgersync/pkg/audit"
	"ledgersync/pkg/httpx"
	"ledgersync/pkg/models"
	"ledgersync/pkg/orderfsm"
	"ledgersync/pkg/store"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

type createOrderRequest struct {
	ID            string         `json:"id"`
	User          string         `json:"user"`
	Companion     string         `json:"companion"`
	Source        string         `json:"source"`
	Stage         string         `json:"stage"`
	PaymentStatus string         `json:"paymentStatus"`
	ServiceFee    uint64         `json:"serviceFee"`
	Deposit       uint64         `json:"deposit"`
	Meta          map[string]any `json:"meta"`
}

// createOrder inserts a manual or app order from the admin dashboard.
func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_body", "body must be a JSON order object")
		return
	}
	if req.Source == "" {
		req.Source = models.SourceManual
	}
	rec := models.LocalOrderRecord{
		ID:            strings.TrimSpace(req.ID),
		User:          strings.ToLower(strings.TrimSpace(req.User)),
		Companion:     strings.ToLower(strings.TrimSpace(req.Companion)),
		Source:        req.Source,
		Stage:         req.Stage,
		PaymentStatus: req.PaymentStatus,
		ServiceFee:    req.ServiceFee,
		Deposit:       req.Deposit,
		Meta:          req.Meta,
	}
	actor := actorOf(r.Context())
	if err := s.Orders.Create(r.Context(), rec); err != nil {
		status, code := orderWriteError(err)
		s.recordAudit(r.Context(), audit.Record{
			Action:  audit.ActionOrderCreate,
			Actor:   actor,
			OrderID: rec.ID,
			Outcome: outcomeFor(status),
			Code:    code,
		})
		if status >= http.StatusInternalServerError {
			log.Printf("create order %s: %v", rec.ID, err)
			httpx.ErrorCode(w, status, code, "failed to create order")
			return
		}
		httpx.ErrorCode(w, status, code, err.Error())
		return
	}
	s.recordAudit(r.Context(), audit.Record{
		Action:  audit.ActionOrderCreate,
		Actor:   actor,
		OrderID: rec.ID,
		Outcome: audit.OutcomeOK,
		Detail:  audit.Detail(map[string]any{"source": rec.Source}),
	})
	created, found, err := s.Orders.Get(r.Context(), rec.ID)
	if err != nil || !found {
		httpx.WriteJSON(w, http.StatusCreated, map[string]any{"id": rec.ID})
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, created)
}

type editOrderRequest struct {
	Stage         *string        `json:"stage"`
	PaymentStatus *string        `json:"paymentStatus"`
	ChainStatus   *int           `json:"chainStatus"`
	Meta          map[string]any `json:"meta"`
}

// editOrder applies a dashboard patch. Chain-linked orders only accept meta.
func (s *Server) editOrder(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "id"))
	if orderID == "" {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_order_id", "order id required")
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req editOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_body", "body must be a JSON patch object")
		return
	}
	patch := orderfsm.AdminPatch{
		Stage:         req.Stage,
		PaymentStatus: req.PaymentStatus,
		ChainStatus:   req.ChainStatus,
		Meta:          req.Meta,
	}
	actor := actorOf(r.Context())
	updated, err := s.Orders.AdminUpdate(r.Context(), orderID, patch)
	if err != nil {
		status, code := orderWriteError(err)
		s.recordAudit(r.Context(), audit.Record{
			Action:  audit.ActionOrderEdit,
			Actor:   actor,
			OrderID: orderID,
			Outcome: outcomeFor(status),
			Code:    code,
		})
		if status >= http.StatusInternalServerError {
			log.Printf("edit order %s: %v", orderID, err)
			httpx.ErrorCode(w, status, code, "failed to update order")
			return
		}
		httpx.WriteJSON(w, status, map[string]any{
			"error":   err.Error(),
			"code":    code,
			"orderId": orderID,
		})
		return
	}
	s.recordAudit(r.Context(), audit.Record{
		Action:  audit.ActionOrderEdit,
		Actor:   actor,
		OrderID: orderID,
		Outcome: audit.OutcomeOK,
		Detail:  audit.Detail(map[string]any{"stage": updated.Stage, "paymentStatus": updated.PaymentStatus}),
	})
	httpx.WriteJSON(w, http.StatusOK, updated)
}

func orderWriteError(err error) (int, string) {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found"
	case errors.Is(err, orderfsm.ErrChainManaged):
		return http.StatusConflict, "chain_managed_field"
	case errors.Is(err, orderfsm.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, orderfsm.ErrUnknownStage):
		return http.StatusBadRequest, "unknown_stage"
	case errors.Is(err, store.ErrInvalidOrder):
		return http.StatusBadRequest, "invalid_order"
	case errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation:
		return http.StatusConflict, "order_exists"
	default:
		return http.StatusInternalServerError, "store_unavailable"
	}
}

func outcomeFor(status int) string {
	if status >= http.StatusInternalServerError {
		return audit.OutcomeFailed
	}
	return audit.OutcomeRejected
}
