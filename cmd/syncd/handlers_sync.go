package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ledgersync/pkg/audit"
	"ledgersync/pkg/auth"
	"ledgersync/pkg/httpx"
	"ledgersync/pkg/ledger"
	"ledgersync/pkg/logging"
	"ledgersync/pkg/models"
	"ledgersync/pkg/orderbus"
	"ledgersync/pkg/resolver"
	"ledgersync/pkg/store"
	"ledgersync/pkg/stream"

	"github.com/go-chi/chi/v5"
)

type chainSyncParams struct {
	Force     *bool  `json:"force,omitempty"`
	MaxWaitMs *int64 `json:"maxWaitMs,omitempty"`
	Digest    string `json:"digest,omitempty"`
}

type chainSyncResponse struct {
	Order           models.LocalOrderRecord `json:"order"`
	Chain           models.ChainOrderRecord `json:"chain"`
	Source          string                  `json:"source"`
	Retries         int                     `json:"retries"`
	TotalWaitMs     int64                   `json:"totalWaitMs"`
	FilledFromLocal []string                `json:"filledFromLocal,omitempty"`
}

// chainSync resolves one order on the ledger and mirrors it locally. Admins
// use a bearer token; participants sign orders:chain-sync:{id}.
func (s *Server) chainSync(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := ledger.ParseOrderID(orderID); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_order_id", "order id must be a decimal ledger id")
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	params, err := parseChainSyncParams(r, body)
	if err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	actor, participant, ok := s.authorizeChainSync(w, r, orderID, body)
	if !ok {
		return
	}
	ctx := r.Context()

	var localPtr *models.LocalOrderRecord
	local, found, err := s.Orders.Get(ctx, orderID)
	if err != nil {
		log.Printf("chain sync %s: load local: %v", orderID, err)
		httpx.ErrorCode(w, http.StatusInternalServerError, "store_unavailable", "failed to load local order")
		return
	}
	if found {
		localPtr = &local
		if participant != "" && !local.IsParticipant(participant) {
			s.rejectSync(ctx, actor, orderID, "not_participant")
			httpx.ErrorCode(w, http.StatusForbidden, "not_participant", "signer is not a participant of this order")
			return
		}
	}

	req := resolver.Request{
		OrderID: orderID,
		Digest:  params.Digest,
		Local:   localPtr,
	}
	if params.Force != nil {
		req.Force = *params.Force
	}
	if params.MaxWaitMs != nil {
		if *params.MaxWaitMs <= 0 {
			req.NoWait = true
		} else {
			req.MaxWait = time.Duration(*params.MaxWaitMs) * time.Millisecond
		}
	}
	res, err := s.Resolver.Find(ctx, req)
	if err != nil {
		var nf *resolver.NotFoundError
		if errors.As(err, &nf) {
			s.rejectSync(ctx, actor, orderID, nf.Code())
			httpx.WriteJSON(w, http.StatusNotFound, notFoundBody(nf))
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			httpx.ErrorCode(w, http.StatusGatewayTimeout, "resolve_cancelled", "order resolution was cancelled")
			return
		}
		log.Printf("chain sync %s: %v", orderID, err)
		httpx.ErrorCode(w, http.StatusBadGateway, "ledger_unavailable", "failed to resolve order on the ledger")
		return
	}
	if !found && participant != "" && !res.Order.IsParticipant(participant) {
		s.rejectSync(ctx, actor, orderID, "not_participant")
		httpx.ErrorCode(w, http.StatusForbidden, "not_participant", "signer is not a participant of this order")
		return
	}
	if res.Regressed {
		s.rejectSync(ctx, actor, orderID, "status_regression")
		writeRegression(w, orderID, res, res.PreviousStatus)
		return
	}

	updated, err := s.Orders.ApplyChainState(ctx, res.Order, map[string]any{
		"chainSyncSource": res.Source,
		"chainSyncedBy":   actor,
	})
	if errors.Is(err, store.ErrStatusRegression) {
		// Another sync moved the row forward while this one was resolving.
		var previous any
		if current, ok, gerr := s.Orders.Get(ctx, orderID); gerr == nil && ok && current.ChainStatus != nil {
			previous = *current.ChainStatus
		}
		s.rejectSync(ctx, actor, orderID, "status_regression")
		writeRegression(w, orderID, res, previous)
		return
	}
	if err != nil {
		log.Printf("chain sync %s: apply: %v", orderID, err)
		httpx.ErrorCode(w, http.StatusInternalServerError, "store_unavailable", "failed to store chain state")
		return
	}

	s.recordAudit(ctx, audit.Record{
		Action:  audit.ActionChainSync,
		Actor:   actor,
		OrderID: orderID,
		Outcome: audit.OutcomeOK,
		Detail: audit.Detail(map[string]any{
			"source":      res.Source,
			"retries":     res.Retries,
			"totalWaitMs": res.TotalWaitMs,
			"chainStatus": res.Order.Status,
		}),
	})
	s.publish(stream.EventOrderSynced, map[string]any{
		"orderId":     orderID,
		"chainStatus": res.Order.Status,
		"statusName":  models.ChainStatusName(res.Order.Status),
		"source":      res.Source,
	})
	if s.Notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		s.bestEffort("notify", s.Notifier.Publish(nctx, orderbus.ChainSynced(updated, res.Order, res.Source, time.Now().UTC())))
		cancel()
	}

	httpx.WriteJSON(w, http.StatusOK, chainSyncResponse{
		Order:           updated,
		Chain:           res.Order,
		Source:          res.Source,
		Retries:         res.Retries,
		TotalWaitMs:     res.TotalWaitMs,
		FilledFromLocal: res.FilledFromLocal,
	})
}

func writeRegression(w http.ResponseWriter, orderID string, res resolver.Resolution, previous any) {
	httpx.WriteJSON(w, http.StatusConflict, map[string]any{
		"error":          "ledger status is behind the mirrored status",
		"code":           "status_regression",
		"orderId":        orderID,
		"chainStatus":    res.Order.Status,
		"previousStatus": previous,
		"source":         res.Source,
	})
}

// authorizeChainSync returns the actor for the audit trail and, for signed
// requests, the participant address the order must include.
func (s *Server) authorizeChainSync(w http.ResponseWriter, r *http.Request, orderID string, body []byte) (actor, participant string, ok bool) {
	principal, err := s.Tokens.Verify(r)
	switch {
	case err == nil:
		if !auth.HasAnyRole(principal, auth.RoleAdmin) {
			httpx.ErrorCode(w, http.StatusForbidden, "forbidden", "admin role required")
			return "", "", false
		}
		return principal.Subject, "", true
	case !errors.Is(err, auth.ErrNoToken):
		httpx.ErrorCode(w, http.StatusUnauthorized, "invalid_token", "invalid token")
		return "", "", false
	}

	env, err := s.Signatures.Authenticate(r.Context(), auth.RequestAuth{
		Header: r.Header,
		Intent: fmt.Sprintf(intentChainSyncFmt, orderID),
		Body:   body,
	})
	if err != nil {
		writeAuthError(w, err)
		return "", "", false
	}
	if !s.allow(w, r, "chain-sync", env.Address) {
		return "", "", false
	}
	return env.Address, env.Address, true
}

func (s *Server) rejectSync(ctx context.Context, actor, orderID, code string) {
	log.Printf("chain sync %s rejected for %s: %s", orderID, logging.ShortAddress(actor), code)
	s.recordAudit(ctx, audit.Record{
		Action:  audit.ActionChainSync,
		Actor:   actor,
		OrderID: orderID,
		Outcome: audit.OutcomeRejected,
		Code:    code,
	})
}

func parseChainSyncParams(r *http.Request, body []byte) (chainSyncParams, error) {
	var p chainSyncParams
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("force")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return p, fmt.Errorf("force must be a boolean")
		}
		p.Force = &v
	}
	if raw := strings.TrimSpace(q.Get("maxWaitMs")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return p, fmt.Errorf("maxWaitMs must be an integer")
		}
		p.MaxWaitMs = &v
	}
	p.Digest = strings.TrimSpace(q.Get("digest"))

	if len(strings.TrimSpace(string(body))) == 0 {
		return p, nil
	}
	var fromBody chainSyncParams
	if err := json.Unmarshal(body, &fromBody); err != nil {
		return p, fmt.Errorf("body must be a JSON object")
	}
	if fromBody.Force != nil {
		p.Force = fromBody.Force
	}
	if fromBody.MaxWaitMs != nil {
		p.MaxWaitMs = fromBody.MaxWaitMs
	}
	if d := strings.TrimSpace(fromBody.Digest); d != "" {
		p.Digest = d
	}
	return p, nil
}

func notFoundBody(nf *resolver.NotFoundError) map[string]any {
	out := map[string]any{}
	if raw, err := json.Marshal(nf); err == nil {
		_ = json.Unmarshal(raw, &out)
	}
	out["error"] = nf.Error()
	out["code"] = nf.Code()
	return out
}

// orderAudit lists the audit trail of one order, newest first.
func (s *Server) orderAudit(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "id"))
	if orderID == "" {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_order_id", "order id required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}
	records, err := s.Audit.ListByOrder(r.Context(), orderID, limit)
	if err != nil {
		log.Printf("audit list %s: %v", orderID, err)
		httpx.ErrorCode(w, http.StatusInternalServerError, "store_unavailable", "failed to load audit records")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"orderId": orderID, "records": records})
}
