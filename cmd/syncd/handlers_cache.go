package main

import (
	"log"
	"net/http"
	"time"

	"ledgersync/pkg/audit"
	"ledgersync/pkg/chaincache"
	"ledgersync/pkg/httpx"
	"ledgersync/pkg/stream"
)

func (s *Server) cacheConfig() map[string]any {
	return map[string]any{
		"ttlMs":            s.Cache.TTL().Milliseconds(),
		"freshWindowMs":    chaincache.FreshWindow.Milliseconds(),
		"expireAfterMs":    chaincache.ExpireAfter.Milliseconds(),
		"sharedSnapshot":   s.SharedSnapshot,
		"warmIntervalMs":   s.CacheWarmInterval.Milliseconds(),
		"resolverMaxWait":  s.ResolverMaxWait.Milliseconds(),
		"resolverLadderMs": durationsMs(s.ResolverBackoff),
	}
}

func (s *Server) getCache(w http.ResponseWriter, r *http.Request) {
	stats := s.Cache.Stats()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"cache":  stats,
		"config": s.cacheConfig(),
		"status": stats.Freshness,
	})
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	before := s.Cache.Stats()
	s.Cache.Clear(r.Context())
	after := s.Cache.Stats()
	actor := actorOf(r.Context())
	s.recordAudit(r.Context(), audit.Record{
		Action:  audit.ActionCacheClear,
		Actor:   actor,
		Outcome: audit.OutcomeOK,
		Detail:  audit.Detail(map[string]any{"ordersDropped": before.OrderCount}),
	})
	s.publish(stream.EventCacheCleared, map[string]any{"ordersDropped": before.OrderCount})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"cleared": true,
		"before":  before,
		"after":   after,
	})
}

// refreshCache forces a ledger fetch. A fetch that fell back to the previous
// snapshot is reported as a 502 with that snapshot's stats.
func (s *Server) refreshCache(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	orders, res, err := s.Cache.Get(r.Context(), true)
	elapsed := time.Since(start)
	actor := actorOf(r.Context())
	if err != nil || res.Fallback {
		code := "ledger_unavailable"
		s.recordAudit(r.Context(), audit.Record{
			Action:  audit.ActionCacheRefresh,
			Actor:   actor,
			Outcome: audit.OutcomeFailed,
			Code:    code,
		})
		if err != nil {
			log.Printf("cache refresh: %v", err)
		}
		httpx.WriteJSON(w, http.StatusBadGateway, map[string]any{
			"error":      "ledger refresh failed",
			"code":       code,
			"durationMs": elapsed.Milliseconds(),
			"fallback":   res.Fallback,
			"cache":      s.Cache.Stats(),
		})
		return
	}
	byStatus := chaincache.CountByStatus(orders)
	s.recordAudit(r.Context(), audit.Record{
		Action:  audit.ActionCacheRefresh,
		Actor:   actor,
		Outcome: audit.OutcomeOK,
		Detail:  audit.Detail(map[string]any{"orderCount": len(orders), "durationMs": elapsed.Milliseconds()}),
	})
	s.publish(stream.EventCacheRefreshed, map[string]any{"orderCount": len(orders), "trigger": "admin"})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"refreshed":  true,
		"durationMs": elapsed.Milliseconds(),
		"orderCount": len(orders),
		"byStatus":   byStatus,
		"fetchedAt":  res.FetchedAt,
		"cache":      s.Cache.Stats(),
	})
}

func durationsMs(ds []time.Duration) []int64 {
	out := make([]int64, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Milliseconds())
	}
	return out
}
