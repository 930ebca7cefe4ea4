// Package resolver finds one order's ledger state, absorbing indexer lag with
// a bounded retry ladder before falling back to the node and to transaction
// events.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"ledgersync/pkg/chaincache"
	"ledgersync/pkg/ledger"
	"ledgersync/pkg/models"
	"ledgersync/pkg/orderfsm"
	"ledgersync/pkg/telemetry"
)

// Resolution sources.
const (
	SourceCache      = "cache"
	SourceCacheRetry = "cache_retry"
	SourceNode       = "node"
	SourceTxEvents   = "tx_events"
	sourceNotFound   = "not_found"
)

const (
	CodeNotFound   = "order_not_found_on_ledger"
	DefaultMaxWait = 15 * time.Second
)

// DefaultBackoff is the indexer-lag ladder.
var DefaultBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}

type OrderCache interface {
	Get(ctx context.Context, force bool) ([]models.ChainOrderRecord, chaincache.Result, error)
	Stats() chaincache.Stats
}

// Node is the direct ledger read path. *ledger.Client satisfies it.
type Node interface {
	GetOrder(ctx context.Context, orderID string) (models.ChainOrderRecord, bool, error)
	TransactionEvents(ctx context.Context, digest string) ([]ledger.Event, error)
	PackageID() string
}

type Observer interface {
	ObserveResolution(source string, retries int)
}

type Config struct {
	Backoff []time.Duration
	// MaxWait caps the cumulative ladder wait whatever the caller asks for.
	MaxWait  time.Duration
	Observer Observer
	// Sleep waits d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Request struct {
	OrderID string
	// Force skips the ladder and reads the node directly.
	Force bool
	// NoWait disables the ladder. MaxWait of zero means the configured ceiling.
	NoWait  bool
	MaxWait time.Duration
	Digest  string
	Local   *models.LocalOrderRecord
}

type Resolution struct {
	Order           models.ChainOrderRecord `json:"order"`
	Source          string                  `json:"source"`
	Retries         int                     `json:"retries"`
	TotalWaitMs     int64                   `json:"totalWaitMs"`
	Regressed       bool                    `json:"regressed,omitempty"`
	PreviousStatus  *int                    `json:"previousStatus,omitempty"`
	FilledFromLocal []string                `json:"filledFromLocal,omitempty"`
}

type Resolver struct {
	cache    OrderCache
	node     Node
	backoff  []time.Duration
	maxWait  time.Duration
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(cache OrderCache, node Node, cfg Config) *Resolver {
	r := &Resolver{
		cache:    cache,
		node:     node,
		backoff:  cfg.Backoff,
		maxWait:  cfg.MaxWait,
		observer: cfg.Observer,
		sleep:    cfg.Sleep,
	}
	if len(r.backoff) == 0 {
		r.backoff = DefaultBackoff
	}
	if r.maxWait <= 0 {
		r.maxWait = DefaultMaxWait
	}
	if r.sleep == nil {
		r.sleep = sleepCtx
	}
	return r
}

// Find walks cache, retry ladder, node and transaction events in that order.
// Exhausting every path yields a *NotFoundError carrying diagnostics.
func (r *Resolver) Find(ctx context.Context, req Request) (res Resolution, err error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	ctx, span := telemetry.StartSpan(ctx, "resolver.find", attribute.String("order.id", req.OrderID))
	defer func() {
		span.SetAttributes(attribute.String("resolver.source", res.Source), attribute.Int("resolver.retries", res.Retries))
		telemetry.EndSpan(span, err)
	}()
	if req.OrderID == "" {
		return Resolution{}, errors.New("order id required")
	}

	var (
		retries int
		waited  time.Duration
		errs    []string
	)
	done := func(rec models.ChainOrderRecord, source string) (Resolution, error) {
		out := Resolution{Order: rec, Source: source, Retries: retries, TotalWaitMs: waited.Milliseconds()}
		if req.Local != nil && orderfsm.IsRegression(req.Local.ChainStatus, rec.Status) {
			prev := *req.Local.ChainStatus
			out.Regressed, out.PreviousStatus = true, &prev
		}
		r.observe(source, retries)
		return out, nil
	}

	rec, ok, cerr := r.fromCache(ctx, req.OrderID, false)
	if cerr != nil {
		if ctx.Err() != nil {
			return Resolution{}, ctx.Err()
		}
		errs = append(errs, "cache: "+cerr.Error())
	}
	if ok {
		return done(rec, SourceCache)
	}

	if !req.Force && !req.NoWait {
		budget := r.budget(req.MaxWait)
		for _, step := range r.backoff {
			if remaining := budget - waited; step > remaining {
				step = remaining
			}
			if step <= 0 {
				break
			}
			if err := r.sleep(ctx, step); err != nil {
				return Resolution{}, err
			}
			waited += step
			retries++
			rec, ok, cerr = r.fromCache(ctx, req.OrderID, true)
			if cerr != nil {
				if ctx.Err() != nil {
					return Resolution{}, ctx.Err()
				}
				errs = append(errs, "cache retry: "+cerr.Error())
			}
			if ok {
				return done(rec, SourceCacheRetry)
			}
		}
	}

	if req.Force && r.node != nil {
		rec, ok, nerr := r.node.GetOrder(ctx, req.OrderID)
		switch {
		case nerr != nil && ctx.Err() != nil:
			return Resolution{}, ctx.Err()
		case nerr != nil:
			errs = append(errs, "node: "+nerr.Error())
		case ok:
			return done(rec, SourceNode)
		}
	}

	digest := digestFor(req)
	if digest != "" && r.node != nil {
		rec, filled, ok, terr := r.fromTxEvents(ctx, req, digest)
		switch {
		case terr != nil && ctx.Err() != nil:
			return Resolution{}, ctx.Err()
		case terr != nil:
			errs = append(errs, "tx events: "+terr.Error())
		case ok:
			out, _ := done(rec, SourceTxEvents)
			out.FilledFromLocal = filled
			return out, nil
		}
	}

	r.observe(sourceNotFound, retries)
	nf := &NotFoundError{
		OrderID:     req.OrderID,
		Retries:     retries,
		TotalWaitMs: waited.Milliseconds(),
		DigestTried: digest,
		NodeQueried: req.Force && r.node != nil,
		Errors:      errs,
	}
	if r.cache != nil {
		nf.ChainCacheStats = r.cache.Stats()
	}
	if req.Local != nil {
		nf.ExistsInLocal = true
		nf.LocalSource = req.Local.Source
	}
	nf.explain()
	return Resolution{}, nf
}

func (r *Resolver) budget(asked time.Duration) time.Duration {
	if asked <= 0 || asked > r.maxWait {
		return r.maxWait
	}
	return asked
}

func (r *Resolver) fromCache(ctx context.Context, orderID string, force bool) (models.ChainOrderRecord, bool, error) {
	if r.cache == nil {
		return models.ChainOrderRecord{}, false, nil
	}
	orders, _, err := r.cache.Get(ctx, force)
	if err != nil {
		return models.ChainOrderRecord{}, false, err
	}
	for _, o := range orders {
		if o.OrderID == orderID {
			return o, true, nil
		}
	}
	return models.ChainOrderRecord{}, false, nil
}

// fromTxEvents rebuilds the order from one transaction's events. Fields no
// event carried come from the local record; without any status the
// reconstruction is rejected.
func (r *Resolver) fromTxEvents(ctx context.Context, req Request, digest string) (models.ChainOrderRecord, []string, bool, error) {
	events, err := r.node.TransactionEvents(ctx, digest)
	if err != nil {
		return models.ChainOrderRecord{}, nil, false, err
	}
	partial, ok := ledger.OrderFromEvents(r.node.PackageID(), req.OrderID, digest, events)
	if !ok {
		return models.ChainOrderRecord{}, nil, false, nil
	}
	rec := models.ChainOrderRecord{OrderID: req.OrderID, Digest: digest}
	var filled []string
	local := req.Local
	if partial.User != nil {
		rec.User = *partial.User
	} else if local != nil && local.User != "" {
		rec.User = local.User
		filled = append(filled, "user")
	}
	if partial.Companion != nil {
		rec.Companion = *partial.Companion
	} else if local != nil && local.Companion != "" {
		rec.Companion = local.Companion
		filled = append(filled, "companion")
	}
	switch {
	case partial.Status != nil:
		rec.Status = *partial.Status
	case local != nil && local.ChainStatus != nil:
		rec.Status = *local.ChainStatus
		filled = append(filled, "status")
	default:
		log.Printf("resolver: tx %s mentions order %s without a status", digest, req.OrderID)
		return models.ChainOrderRecord{}, nil, false, nil
	}
	if partial.RuleSetID != nil {
		rec.RuleSetID = *partial.RuleSetID
	}
	if partial.ServiceFee != nil {
		rec.ServiceFee = *partial.ServiceFee
	} else if local != nil {
		rec.ServiceFee = local.ServiceFee
		filled = append(filled, "serviceFee")
	}
	if partial.Deposit != nil {
		rec.Deposit = *partial.Deposit
	} else if local != nil {
		rec.Deposit = local.Deposit
		filled = append(filled, "deposit")
	}
	if partial.CreatedAt != nil {
		rec.CreatedAt = *partial.CreatedAt
	} else if local != nil && !local.CreatedAt.IsZero() {
		rec.CreatedAt = local.CreatedAt.UnixMilli()
		filled = append(filled, "createdAt")
	}
	return rec, filled, true, nil
}

func digestFor(req Request) string {
	if d := strings.TrimSpace(req.Digest); d != "" {
		return d
	}
	if req.Local == nil {
		return ""
	}
	if d := req.Local.MetaString("digest"); d != "" {
		return d
	}
	return req.Local.MetaString("txDigest")
}

func (r *Resolver) observe(source string, retries int) {
	if r.observer != nil {
		r.observer.ObserveResolution(source, retries)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NotFoundError is the diagnostic returned when no path found the order.
// Every field is part of the HTTP 404 body.
type NotFoundError struct {
	OrderID         string           `json:"orderId"`
	ExistsInLocal   bool             `json:"existsInLocal"`
	LocalSource     string           `json:"localSource,omitempty"`
	ChainCacheStats chaincache.Stats `json:"chainCacheStats"`
	Retries         int              `json:"retries"`
	TotalWaitMs     int64            `json:"totalWaitMs"`
	DigestTried     string           `json:"digestTried,omitempty"`
	NodeQueried     bool             `json:"nodeQueried"`
	Errors          []string         `json:"errors,omitempty"`
	PossibleReasons []string         `json:"possibleReasons"`
	Troubleshooting []string         `json:"troubleshooting"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: order %s not found after %d retries (%dms)", CodeNotFound, e.OrderID, e.Retries, e.TotalWaitMs)
}

func (e *NotFoundError) Code() string { return CodeNotFound }

func (e *NotFoundError) explain() {
	var reasons []string
	switch {
	case !e.ExistsInLocal:
		reasons = append(reasons, "the order does not exist locally either and may never have been created")
	case e.LocalSource != "" && e.LocalSource != models.SourceChain:
		reasons = append(reasons, fmt.Sprintf("the order was created off-ledger (source=%s) and may never have been submitted", e.LocalSource))
	}
	if e.Retries > 0 {
		reasons = append(reasons, fmt.Sprintf("the ledger indexer has not propagated the order yet (waited %dms)", e.TotalWaitMs))
	} else {
		reasons = append(reasons, "no retry window was allowed for indexer lag")
	}
	if e.DigestTried != "" {
		reasons = append(reasons, fmt.Sprintf("transaction %s emitted no events for this order", e.DigestTried))
	}
	if len(e.Errors) > 0 || e.ChainCacheStats.LastError != "" {
		reasons = append(reasons, "the ledger node returned errors while resolving")
	}
	e.PossibleReasons = reasons

	steps := []string{"confirm the creation transaction succeeded on the ledger explorer"}
	if !e.NodeQueried {
		steps = append(steps, "retry with force=true to query the ledger node directly")
	}
	if e.DigestTried == "" {
		steps = append(steps, "pass the creation transaction digest to reconstruct from its events")
	}
	steps = append(steps, "raise maxWaitMs if the indexer is known to be lagging")
	e.Troubleshooting = steps
}
