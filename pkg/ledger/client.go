package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ledgersync/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"
)

// Config describes how to reach the ledger node and which order hub to read.
type Config struct {
	URL        string
	PackageID  string
	OrderHubID string
	HTTPClient *http.Client
	PageSize   int
	MaxPages   int
	// Concurrency bounds parallel dry-run reads during ListOrders.
	Concurrency int
}

// Client is a narrow JSON-RPC client for the order hub. It is not a general
// purpose ledger SDK.
type Client struct {
	rpc         *rpc.Client
	packageID   string
	orderHubID  string
	pageSize    int
	maxPages    int
	concurrency int
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("ledger rpc url required")
	}
	if strings.TrimSpace(cfg.PackageID) == "" || strings.TrimSpace(cfg.OrderHubID) == "" {
		return nil, errors.New("ledger package id and order hub id required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	rc, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	return NewClient(rc, cfg), nil
}

// NewClient wraps an existing rpc client.
func NewClient(rc *rpc.Client, cfg Config) *Client {
	c := &Client{
		rpc:         rc,
		packageID:   strings.ToLower(strings.TrimSpace(cfg.PackageID)),
		orderHubID:  strings.TrimSpace(cfg.OrderHubID),
		pageSize:    cfg.PageSize,
		maxPages:    cfg.MaxPages,
		concurrency: cfg.Concurrency,
	}
	if c.pageSize <= 0 {
		c.pageSize = 50
	}
	if c.maxPages <= 0 {
		c.maxPages = 200
	}
	if c.concurrency <= 0 {
		c.concurrency = 8
	}
	return c
}

func (c *Client) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

func (c *Client) PackageID() string  { return c.packageID }
func (c *Client) OrderHubID() string { return c.orderHubID }

func (c *Client) QueryEvents(ctx context.Context, filter EventFilter, cursor *EventID, limit int, descending bool) (EventPage, error) {
	var page EventPage
	if err := c.rpc.CallContext(ctx, &page, "ledger_queryEvents", filter, cursor, limit, descending); err != nil {
		return EventPage{}, fmt.Errorf("query events: %w", err)
	}
	return page, nil
}

// DevInspect runs kind as a zero-fee dry run on behalf of sender.
func (c *Client) DevInspect(ctx context.Context, sender common.Address, kind TransactionKind) (DevInspectResult, error) {
	raw, err := EncodeKind(kind)
	if err != nil {
		return DevInspectResult{}, err
	}
	var out DevInspectResult
	if err := c.rpc.CallContext(ctx, &out, "ledger_devInspect", sender.Hex(), base64.StdEncoding.EncodeToString(raw)); err != nil {
		return DevInspectResult{}, fmt.Errorf("dev inspect: %w", err)
	}
	return out, nil
}

func (c *Client) TransactionEvents(ctx context.Context, digest string) ([]Event, error) {
	var out []Event
	if err := c.rpc.CallContext(ctx, &out, "ledger_getTransactionEvents", strings.TrimSpace(digest)); err != nil {
		return nil, fmt.Errorf("transaction events: %w", err)
	}
	return out, nil
}

// ExecuteTransaction submits txBytes with every required signature.
func (c *Client) ExecuteTransaction(ctx context.Context, txBytes []byte, signatures []string) (ExecuteResponse, error) {
	var out ExecuteResponse
	if err := c.rpc.CallContext(ctx, &out, "ledger_executeTransaction", base64.StdEncoding.EncodeToString(txBytes), signatures); err != nil {
		return ExecuteResponse{}, fmt.Errorf("execute transaction: %w", err)
	}
	return out, nil
}

func (c *Client) ReferenceGasPrice(ctx context.Context) (uint64, error) {
	var out U64
	if err := c.rpc.CallContext(ctx, &out, "ledger_referenceGasPrice"); err != nil {
		return 0, fmt.Errorf("reference gas price: %w", err)
	}
	return uint64(out), nil
}

// GetOrder reads one order's current fields through a get_order dry run.
// The second return value is false when the hub has no such order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (models.ChainOrderRecord, bool, error) {
	id, err := ParseOrderID(orderID)
	if err != nil {
		return models.ChainOrderRecord{}, false, err
	}
	call := OrderHubCall(c.packageID, c.orderHubID, ViewGetOrder, id)
	res, err := c.DevInspect(ctx, common.Address{}, TransactionKind{Commands: []Command{call}})
	if err != nil {
		return models.ChainOrderRecord{}, false, err
	}
	if !res.Effects.Status.OK() {
		if strings.Contains(res.Effects.Status.Error, AbortOrderNotFound) {
			return models.ChainOrderRecord{}, false, nil
		}
		return models.ChainOrderRecord{}, false, fmt.Errorf("get_order %s: %s", orderID, res.Effects.Status.Error)
	}
	if len(res.Results) == 0 {
		return models.ChainOrderRecord{}, false, nil
	}
	rec, err := decodeOrderView(res.Results[0].ReturnValues)
	if err != nil {
		return models.ChainOrderRecord{}, false, fmt.Errorf("get_order %s: %w", orderID, err)
	}
	rec.OrderID = strconv.FormatUint(id, 10)
	return rec, true, nil
}

// get_order returns (user, companion, status, rule_set_id, service_fee, deposit, created_at).
func decodeOrderView(vals []ReturnValue) (models.ChainOrderRecord, error) {
	if len(vals) != 7 {
		return models.ChainOrderRecord{}, fmt.Errorf("unexpected return arity %d", len(vals))
	}
	user, err := DecodeAddress(vals[0].Bytes)
	if err != nil {
		return models.ChainOrderRecord{}, err
	}
	companion, err := DecodeAddress(vals[1].Bytes)
	if err != nil {
		return models.ChainOrderRecord{}, err
	}
	status, err := DecodeU8(vals[2].Bytes)
	if err != nil {
		return models.ChainOrderRecord{}, err
	}
	var nums [4]uint64
	for i := range nums {
		if nums[i], err = DecodeU64(vals[3+i].Bytes); err != nil {
			return models.ChainOrderRecord{}, err
		}
	}
	rec := models.ChainOrderRecord{
		User:       strings.ToLower(user.Hex()),
		Status:     int(status),
		RuleSetID:  nums[0],
		ServiceFee: nums[1],
		Deposit:    nums[2],
		CreatedAt:  int64(nums[3]),
	}
	if companion != (common.Address{}) {
		rec.Companion = strings.ToLower(companion.Hex())
	}
	return rec, nil
}

// ErrSnapshotTruncated means the event scan hit the page limit before the
// node ran out of pages. A partial order set is never returned.
var ErrSnapshotTruncated = errors.New("ledger order scan truncated")

// ListOrders scans OrderCreated events and reads each order's current state.
// Orders whose dry run reports them missing are skipped.
func (c *Client) ListOrders(ctx context.Context) ([]models.ChainOrderRecord, error) {
	filter := EventFilter{MoveEventType: EventType(c.packageID, EventOrderCreated)}
	type seed struct {
		id     string
		digest string
	}
	var seeds []seed
	seen := map[string]struct{}{}
	var cursor *EventID
	for page := 0; ; page++ {
		if page == c.maxPages {
			return nil, fmt.Errorf("%w: more than %d pages of %d events", ErrSnapshotTruncated, c.maxPages, c.pageSize)
		}
		res, err := c.QueryEvents(ctx, filter, cursor, c.pageSize, false)
		if err != nil {
			return nil, err
		}
		for _, ev := range res.Data {
			fields, err := ParseOrderEvent(ev)
			if err != nil {
				log.Printf("ledger: skip undecodable event %s: %v", ev.ID.TxDigest, err)
				continue
			}
			id := strconv.FormatUint(uint64(fields.OrderID), 10)
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			seeds = append(seeds, seed{id: id, digest: ev.ID.TxDigest})
		}
		if !res.HasNextPage || res.NextCursor == nil {
			break
		}
		cursor = res.NextCursor
	}

	out := make([]models.ChainOrderRecord, len(seeds))
	found := make([]bool, len(seeds))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, s := range seeds {
		i, s := i, s
		g.Go(func() error {
			rec, ok, err := c.GetOrder(gctx, s.id)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			rec.Digest = s.digest
			mu.Lock()
			out[i], found[i] = rec, true
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	orders := make([]models.ChainOrderRecord, 0, len(out))
	for i := range out {
		if found[i] {
			orders = append(orders, out[i])
		}
	}
	return orders, nil
}
