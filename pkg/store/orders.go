package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgersync/pkg/models"
	"ledgersync/pkg/orderfsm"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var ErrOrderNotFound = errors.New("order not found")

// ErrInvalidOrder wraps validation failures from Create.
var ErrInvalidOrder = errors.New("invalid order")

// ErrStatusRegression is returned by ApplyChainState when the stored row has
// already moved past the observed ledger status.
var ErrStatusRegression = errors.New("chain status regression")

const orderColumns = `id, user_addr, companion_addr, stage, chain_status, payment_status, source, service_fee, deposit, meta, created_at, updated_at`

// OrderStore is the operational order table.
type OrderStore struct {
	DB  DB
	Now func() time.Time
}

func NewOrderStore(db DB) *OrderStore {
	return &OrderStore{DB: db, Now: time.Now}
}

func (s *OrderStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *OrderStore) Get(ctx context.Context, id string) (models.LocalOrderRecord, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, strings.TrimSpace(id))
	rec, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LocalOrderRecord{}, false, nil
	}
	if err != nil {
		return models.LocalOrderRecord{}, false, fmt.Errorf("load order %s: %w", id, err)
	}
	return rec, true, nil
}

// ListChainLinked returns every order whose lifecycle the ledger owns.
func (s *OrderStore) ListChainLinked(ctx context.Context) ([]models.LocalOrderRecord, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE source='chain' OR chain_status IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list chain-linked orders: %w", err)
	}
	defer rows.Close()
	out := []models.LocalOrderRecord{}
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Create inserts a manual or app order. Chain-sourced rows only come from
// ApplyChainState.
func (s *OrderStore) Create(ctx context.Context, rec models.LocalOrderRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidOrder)
	}
	if rec.Source != models.SourceManual && rec.Source != models.SourceApp {
		return fmt.Errorf("%w: source %q cannot be created directly", ErrInvalidOrder, rec.Source)
	}
	if rec.Stage == "" {
		rec.Stage = models.StagePending
	}
	if !orderfsm.ValidStage(rec.Stage) {
		return orderfsm.ErrUnknownStage
	}
	if rec.PaymentStatus == "" {
		rec.PaymentStatus = models.PaymentUnpaid
	}
	meta, err := marshalMeta(rec.Meta)
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.DB.Exec(ctx, `
		INSERT INTO orders (id, user_addr, companion_addr, stage, chain_status, payment_status, source, service_fee, deposit, meta, created_at, updated_at)
		VALUES ($1,$2,$3,$4,NULL,$5,$6,$7,$8,$9,$10,$10)
	`, rec.ID, rec.User, rec.Companion, rec.Stage, rec.PaymentStatus, rec.Source, int64(rec.ServiceFee), int64(rec.Deposit), meta, now)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", rec.ID, err)
	}
	return nil
}

// AdminUpdate applies a dashboard edit after the transition guard.
func (s *OrderStore) AdminUpdate(ctx context.Context, id string, patch orderfsm.AdminPatch) (models.LocalOrderRecord, error) {
	current, ok, err := s.Get(ctx, id)
	if err != nil {
		return models.LocalOrderRecord{}, err
	}
	if !ok {
		return models.LocalOrderRecord{}, ErrOrderNotFound
	}
	if err := orderfsm.GuardAdminEdit(current, patch); err != nil {
		return current, err
	}
	if patch.Stage != nil {
		current.Stage = *patch.Stage
	}
	if patch.PaymentStatus != nil {
		current.PaymentStatus = *patch.PaymentStatus
	}
	current.Meta = mergeMeta(current.Meta, patch.Meta)
	meta, err := marshalMeta(current.Meta)
	if err != nil {
		return current, err
	}
	current.UpdatedAt = s.now()
	if _, err := s.DB.Exec(ctx, `UPDATE orders SET stage=$2, payment_status=$3, meta=$4, updated_at=$5 WHERE id=$1`,
		current.ID, current.Stage, current.PaymentStatus, meta, current.UpdatedAt); err != nil {
		return current, fmt.Errorf("update order %s: %w", id, err)
	}
	return current, nil
}

// ApplyChainState is the sync path: it mirrors one ledger observation into
// the local row, creating it with source=chain when absent. The update is
// conditional on the stored status so concurrent syncs never move it
// backwards; a refused update yields ErrStatusRegression.
func (s *OrderStore) ApplyChainState(ctx context.Context, rec models.ChainOrderRecord, extraMeta map[string]any) (models.LocalOrderRecord, error) {
	if strings.TrimSpace(rec.OrderID) == "" {
		return models.LocalOrderRecord{}, errors.New("order id required")
	}
	stage, payment := orderfsm.FromChainStatus(rec.Status)
	meta := map[string]any{"chainSyncedAt": s.now().Format(time.RFC3339Nano)}
	if rec.Digest != "" {
		meta["digest"] = rec.Digest
	}
	meta = mergeMeta(meta, extraMeta)
	metaRaw, err := marshalMeta(meta)
	if err != nil {
		return models.LocalOrderRecord{}, err
	}
	now := s.now()
	row := s.DB.QueryRow(ctx, `
		INSERT INTO orders (id, user_addr, companion_addr, stage, chain_status, payment_status, source, service_fee, deposit, meta, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,'chain',$7,$8,$9,$10,$10)
		ON CONFLICT (id) DO UPDATE SET
			user_addr = EXCLUDED.user_addr,
			companion_addr = EXCLUDED.companion_addr,
			stage = EXCLUDED.stage,
			chain_status = EXCLUDED.chain_status,
			payment_status = EXCLUDED.payment_status,
			service_fee = EXCLUDED.service_fee,
			deposit = EXCLUDED.deposit,
			meta = COALESCE(orders.meta, '{}'::jsonb) || EXCLUDED.meta,
			updated_at = EXCLUDED.updated_at
		WHERE orders.chain_status IS NULL
			OR (orders.chain_status IN ($11, $12) AND EXCLUDED.chain_status = orders.chain_status)
			OR (orders.chain_status NOT IN ($11, $12) AND EXCLUDED.chain_status >= orders.chain_status)
		RETURNING `+orderColumns,
		rec.OrderID, rec.User, rec.Companion, stage, rec.Status, payment, int64(rec.ServiceFee), int64(rec.Deposit), metaRaw, now,
		models.ChainStatusFinalized, models.ChainStatusCancelled)
	out, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LocalOrderRecord{}, fmt.Errorf("apply chain state %s: %w", rec.OrderID, ErrStatusRegression)
	}
	if err != nil {
		return models.LocalOrderRecord{}, fmt.Errorf("apply chain state %s: %w", rec.OrderID, err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (models.LocalOrderRecord, error) {
	var (
		rec         models.LocalOrderRecord
		chainStatus *int
		serviceFee  int64
		deposit     int64
		meta        []byte
	)
	if err := row.Scan(&rec.ID, &rec.User, &rec.Companion, &rec.Stage, &chainStatus, &rec.PaymentStatus, &rec.Source, &serviceFee, &deposit, &meta, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return models.LocalOrderRecord{}, err
	}
	rec.ChainStatus = chainStatus
	rec.ServiceFee = uint64(serviceFee)
	rec.Deposit = uint64(deposit)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Meta); err != nil {
			return models.LocalOrderRecord{}, fmt.Errorf("decode meta: %w", err)
		}
	}
	return rec, nil
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return raw, nil
}

func mergeMeta(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
