package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Actions recorded by syncd.
const (
	ActionChainSync      = "orders.chain_sync"
	ActionOrderCreate    = "orders.create"
	ActionOrderEdit      = "orders.admin_edit"
	ActionCacheClear     = "cache.clear"
	ActionCacheRefresh   = "cache.refresh"
	ActionReconcileQueue = "reconcile.queue_review"
	ActionSponsorBuild   = "sponsor.build"
	ActionSponsorExecute = "sponsor.execute"
)

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends to audit_records. Callers treat a failed Append as best
// effort: it is logged and never changes the response.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
	Now      func() time.Time
}

type Record struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Actor     string          `json:"actor,omitempty"`
	OrderID   string          `json:"orderId,omitempty"`
	Outcome   string          `json:"outcome"`
	Code      string          `json:"code,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Append stores rec, assigning an id and timestamp when absent.
func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w == nil || w.DB == nil {
		return errors.New("audit writer not configured")
	}
	if strings.TrimSpace(rec.Action) == "" || strings.TrimSpace(rec.Outcome) == "" {
		return errors.New("audit action and outcome required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = w.now()
	}
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	var detail any
	if len(rec.Detail) > 0 {
		detail = rec.Detail
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records (id, action, actor, order_id, outcome, code, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, rec.Action, rec.Actor, rec.OrderID, rec.Outcome, rec.Code, detail, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", rec.Action, err)
	}
	return nil
}

// ListByOrder returns the newest records for orderID first.
func (w *Writer) ListByOrder(ctx context.Context, orderID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id::text, action, actor, order_id, outcome, code, detail, created_at
		FROM audit_records WHERE order_id=$1 ORDER BY created_at DESC LIMIT $2
	`, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit for %s: %w", orderID, err)
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var (
			rec    Record
			detail []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.Actor, &rec.OrderID, &rec.Outcome, &rec.Code, &detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			rec.Detail = json.RawMessage(detail)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Detail marshals v for Record.Detail, returning nil when it cannot.
func Detail(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}
