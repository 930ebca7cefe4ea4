package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"ledgersync/pkg/audit"
	"ledgersync/pkg/httpx"
	"ledgersync/pkg/reconcile"
	"ledgersync/pkg/stream"

	"github.com/google/uuid"
)

// Reconcile actions accepted by POST /reconcile.
const (
	actionQueueReview = "queue_review"
	actionSyncMissing = "sync_missing"
	actionOverwrite   = "overwrite"
	actionSyncAll     = "sync_all"
)

func (s *Server) getReconcile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := reconcile.Options{
		ForceRefresh: queryBool(q.Get("refresh")),
		Detailed:     queryBool(q.Get("detailed")),
	}
	rep, err := s.Reconciler.Reconcile(r.Context(), opts)
	if err != nil {
		log.Printf("reconcile: %v", err)
		httpx.ErrorCode(w, http.StatusBadGateway, "reconcile_failed", "failed to load orders for reconciliation")
		return
	}
	s.observeReconcile(rep.Summary)
	s.publish(stream.EventReconcileCompleted, map[string]any{"health": rep.Health, "summary": rep.Summary})
	httpx.WriteJSON(w, http.StatusOK, rep)
}

type reconcileAction struct {
	Action  string `json:"action"`
	Refresh bool   `json:"refresh,omitempty"`
}

// postReconcile never writes to orders. queue_review parks the current
// discrepancies for an operator; write-back actions are refused.
func (s *Server) postReconcile(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req reconcileAction
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_body", "body must be a JSON object with an action")
		return
	}
	switch strings.TrimSpace(req.Action) {
	case actionQueueReview:
	case actionSyncMissing, actionOverwrite, actionSyncAll:
		httpx.ErrorCode(w, http.StatusUnprocessableEntity, "action_not_supported",
			"reconciliation never writes orders; use queue_review or per-order chain-sync")
		return
	default:
		httpx.ErrorCode(w, http.StatusBadRequest, "unknown_action", "unknown reconcile action")
		return
	}

	d, _, err := s.Reconciler.Discrepancies(r.Context(), req.Refresh)
	if err != nil {
		log.Printf("reconcile queue: %v", err)
		httpx.ErrorCode(w, http.StatusBadGateway, "reconcile_failed", "failed to load orders for reconciliation")
		return
	}
	summary := d.Summary()
	s.observeReconcile(summary)
	batchID := uuid.NewString()
	actor := actorOf(r.Context())
	items := d.ReviewItems()
	queued := 0
	if len(items) > 0 {
		queued, err = s.Reviews.Enqueue(r.Context(), batchID, actor, items)
		if err != nil {
			log.Printf("reconcile queue %s: %v", batchID, err)
			s.recordAudit(r.Context(), audit.Record{Action: audit.ActionReconcileQueue, Actor: actor, Outcome: audit.OutcomeFailed, Code: "store_unavailable"})
			httpx.ErrorCode(w, http.StatusInternalServerError, "store_unavailable", "failed to queue discrepancies")
			return
		}
	}
	s.recordAudit(r.Context(), audit.Record{
		Action:  audit.ActionReconcileQueue,
		Actor:   actor,
		Outcome: audit.OutcomeOK,
		Detail:  audit.Detail(map[string]any{"batchId": batchID, "queued": queued, "discrepancies": len(items)}),
	})
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"action":        actionQueueReview,
		"batchId":       batchID,
		"discrepancies": len(items),
		"queued":        queued,
		"summary":       summary,
	})
}

func (s *Server) observeReconcile(sum reconcile.Summary) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.SetReconcile(reconcile.CategoryMissingInLocal, sum.MissingInLocal)
	s.Metrics.SetReconcile(reconcile.CategoryMissingInLedger, sum.MissingInLedger)
	s.Metrics.SetReconcile(reconcile.CategoryStatusMismatch, sum.StatusMismatch)
}

func queryBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}
