package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReviewItem is one discrepancy parked for a human operator.
type ReviewItem struct {
	OrderID     string
	Category    string
	ChainStatus *int
	LocalStatus *int
	Reason      string
}

// ReviewQueue stores reconciliation discrepancies for manual review. It never
// touches the orders table.
type ReviewQueue struct {
	DB  DB
	Now func() time.Time
}

func NewReviewQueue(db DB) *ReviewQueue {
	return &ReviewQueue{DB: db, Now: time.Now}
}

// Enqueue inserts items under batchID. Items already open for the same order
// and category are left alone, so repeated submissions do not pile up.
func (q *ReviewQueue) Enqueue(ctx context.Context, batchID, requestedBy string, items []ReviewItem) (int, error) {
	if q == nil || q.DB == nil {
		return 0, errors.New("review queue not configured")
	}
	now := time.Now().UTC()
	if q.Now != nil {
		now = q.Now().UTC()
	}
	queued := 0
	for _, item := range items {
		tag, err := q.DB.Exec(ctx, `
			INSERT INTO reconcile_reviews (batch_id, order_id, category, chain_status, local_status, reason, requested_by, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,'open',$8)
			ON CONFLICT (order_id, category) WHERE status='open' DO NOTHING
		`, batchID, item.OrderID, item.Category, item.ChainStatus, item.LocalStatus, item.Reason, requestedBy, now)
		if err != nil {
			return queued, fmt.Errorf("enqueue review %s: %w", item.OrderID, err)
		}
		queued += int(tag.RowsAffected())
	}
	return queued, nil
}
