// Package reconcile compares the ledger's order set with the chain-linked
// rows of the operational store. It reports; it never writes.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"ledgersync/pkg/chaincache"
	"ledgersync/pkg/models"
	"ledgersync/pkg/store"
	"ledgersync/pkg/telemetry"
)

const (
	HealthHealthy   = "healthy"
	HealthNeedsSync = "needs_sync"

	// DetailLimit bounds each bucket in a detailed report.
	DetailLimit = 50

	ReasonNotMirrored = "ledger order not yet mirrored locally"
	ReasonNotOnLedger = "chain-sourced local order absent from ledger"
)

// Bucket names, also used as review queue categories.
const (
	CategoryMissingInLocal  = "missing_in_local"
	CategoryMissingInLedger = "missing_in_ledger"
	CategoryStatusMismatch  = "status_mismatch"
)

type OrderCache interface {
	Get(ctx context.Context, force bool) ([]models.ChainOrderRecord, chaincache.Result, error)
}

// LocalSource lists local orders whose lifecycle the ledger owns.
type LocalSource interface {
	ListChainLinked(ctx context.Context) ([]models.LocalOrderRecord, error)
}

type Options struct {
	ForceRefresh bool
	Detailed     bool
}

type MissingItem struct {
	OrderID string `json:"orderId"`
	Status  *int   `json:"status,omitempty"`
	Reason  string `json:"reason"`
}

type Mismatch struct {
	OrderID     string `json:"orderId"`
	ChainStatus int    `json:"chainStatus"`
	LocalStatus *int   `json:"localStatus"`
}

type Summary struct {
	LedgerOrders    int `json:"ledgerOrders"`
	LocalOrders     int `json:"localOrders"`
	MissingInLocal  int `json:"missingInLocal"`
	MissingInLedger int `json:"missingInLedger"`
	StatusMismatch  int `json:"statusMismatch"`
}

type Truncated struct {
	MissingInLocal  bool `json:"missingInLocal"`
	MissingInLedger bool `json:"missingInLedger"`
	StatusMismatch  bool `json:"statusMismatch"`
}

type CacheInfo struct {
	Hit       bool      `json:"hit"`
	Stale     bool      `json:"stale"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Report is the reconciliation outcome. The item lists are only populated in
// detailed mode.
type Report struct {
	Health          string        `json:"health"`
	Summary         Summary       `json:"summary"`
	MissingInLocal  []MissingItem `json:"missingInLocal,omitempty"`
	MissingInLedger []MissingItem `json:"missingInLedger,omitempty"`
	StatusMismatch  []Mismatch    `json:"statusMismatch,omitempty"`
	Truncated       *Truncated    `json:"truncated,omitempty"`
	Cache           CacheInfo     `json:"cache"`
	GeneratedAt     time.Time     `json:"generatedAt"`
}

// Discrepancies is every disagreement of one run, untruncated.
type Discrepancies struct {
	MissingInLocal  []MissingItem
	MissingInLedger []MissingItem
	StatusMismatch  []Mismatch
	LedgerOrders    int
	LocalOrders     int
}

func (d Discrepancies) Empty() bool {
	return len(d.MissingInLocal)+len(d.MissingInLedger)+len(d.StatusMismatch) == 0
}

func (d Discrepancies) Summary() Summary {
	return Summary{
		LedgerOrders:    d.LedgerOrders,
		LocalOrders:     d.LocalOrders,
		MissingInLocal:  len(d.MissingInLocal),
		MissingInLedger: len(d.MissingInLedger),
		StatusMismatch:  len(d.StatusMismatch),
	}
}

// ReviewItems flattens the buckets into review queue rows.
func (d Discrepancies) ReviewItems() []store.ReviewItem {
	out := make([]store.ReviewItem, 0, len(d.MissingInLocal)+len(d.MissingInLedger)+len(d.StatusMismatch))
	for _, m := range d.MissingInLocal {
		out = append(out, store.ReviewItem{OrderID: m.OrderID, Category: CategoryMissingInLocal, ChainStatus: m.Status, Reason: m.Reason})
	}
	for _, m := range d.MissingInLedger {
		out = append(out, store.ReviewItem{OrderID: m.OrderID, Category: CategoryMissingInLedger, LocalStatus: m.Status, Reason: m.Reason})
	}
	for _, m := range d.StatusMismatch {
		chain := m.ChainStatus
		reason := "ledger status " + models.ChainStatusName(chain) + " differs from local"
		out = append(out, store.ReviewItem{OrderID: m.OrderID, Category: CategoryStatusMismatch, ChainStatus: &chain, LocalStatus: m.LocalStatus, Reason: reason})
	}
	return out
}

type Engine struct {
	Cache OrderCache
	Local LocalSource
	Now   func() time.Time
}

func New(cache OrderCache, local LocalSource) *Engine {
	return &Engine{Cache: cache, Local: local, Now: time.Now}
}

// Reconcile produces a report. Detailed mode lists at most DetailLimit items
// per bucket.
func (e *Engine) Reconcile(ctx context.Context, opts Options) (Report, error) {
	d, res, err := e.Discrepancies(ctx, opts.ForceRefresh)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		Health:      HealthHealthy,
		Summary:     d.Summary(),
		Cache:       CacheInfo{Hit: res.Hit, Stale: res.Stale, FetchedAt: res.FetchedAt},
		GeneratedAt: e.now(),
	}
	if !d.Empty() {
		rep.Health = HealthNeedsSync
	}
	if opts.Detailed {
		rep.Truncated = &Truncated{}
		rep.MissingInLocal, rep.Truncated.MissingInLocal = capItems(d.MissingInLocal)
		rep.MissingInLedger, rep.Truncated.MissingInLedger = capItems(d.MissingInLedger)
		rep.StatusMismatch, rep.Truncated.StatusMismatch = capItems(d.StatusMismatch)
	}
	return rep, nil
}

// Discrepancies computes the three buckets sorted by order id.
func (e *Engine) Discrepancies(ctx context.Context, force bool) (d Discrepancies, res chaincache.Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "reconcile.run", attribute.Bool("reconcile.force", force))
	defer func() { telemetry.EndSpan(span, err) }()

	chain, res, err := e.Cache.Get(ctx, force)
	if err != nil {
		return d, res, fmt.Errorf("load ledger orders: %w", err)
	}
	local, err := e.Local.ListChainLinked(ctx)
	if err != nil {
		return d, res, fmt.Errorf("load local orders: %w", err)
	}

	byID := make(map[string]models.LocalOrderRecord, len(local))
	for _, o := range local {
		byID[o.ID] = o
	}
	seen := make(map[string]struct{}, len(chain))
	for _, c := range chain {
		seen[c.OrderID] = struct{}{}
		l, ok := byID[c.OrderID]
		if !ok {
			status := c.Status
			d.MissingInLocal = append(d.MissingInLocal, MissingItem{OrderID: c.OrderID, Status: &status, Reason: ReasonNotMirrored})
			continue
		}
		if l.ChainStatus == nil || *l.ChainStatus != c.Status {
			d.StatusMismatch = append(d.StatusMismatch, Mismatch{OrderID: c.OrderID, ChainStatus: c.Status, LocalStatus: l.ChainStatus})
		}
	}
	for _, l := range local {
		if _, ok := seen[l.ID]; ok || l.Source != models.SourceChain {
			continue
		}
		d.MissingInLedger = append(d.MissingInLedger, MissingItem{OrderID: l.ID, Status: l.ChainStatus, Reason: ReasonNotOnLedger})
	}

	sort.Slice(d.MissingInLocal, func(i, j int) bool { return idLess(d.MissingInLocal[i].OrderID, d.MissingInLocal[j].OrderID) })
	sort.Slice(d.MissingInLedger, func(i, j int) bool { return idLess(d.MissingInLedger[i].OrderID, d.MissingInLedger[j].OrderID) })
	sort.Slice(d.StatusMismatch, func(i, j int) bool { return idLess(d.StatusMismatch[i].OrderID, d.StatusMismatch[j].OrderID) })

	d.LedgerOrders, d.LocalOrders = len(chain), len(local)
	span.SetAttributes(
		attribute.Int("reconcile.missing_in_local", len(d.MissingInLocal)),
		attribute.Int("reconcile.missing_in_ledger", len(d.MissingInLedger)),
		attribute.Int("reconcile.status_mismatch", len(d.StatusMismatch)),
	)
	return d, res, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func capItems[T any](items []T) ([]T, bool) {
	if len(items) <= DetailLimit {
		return items, false
	}
	return items[:DetailLimit], true
}

// idLess orders numeric ids numerically and falls back to string order.
func idLess(a, b string) bool {
	x, errA := strconv.ParseUint(a, 10, 64)
	y, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return x < y
	}
	return a < b
}
