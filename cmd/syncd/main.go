package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"ledgersync/pkg/audit"
	"ledgersync/pkg/auth"
	"ledgersync/pkg/chaincache"
	"ledgersync/pkg/config"
	"ledgersync/pkg/hardening"
	"ledgersync/pkg/httpx"
	"ledgersync/pkg/ledger"
	"ledgersync/pkg/logging"
	"ledgersync/pkg/metrics"
	"ledgersync/pkg/models"
	"ledgersync/pkg/orderbus"
	"ledgersync/pkg/orderfsm"
	"ledgersync/pkg/ratelimit"
	"ledgersync/pkg/reconcile"
	"ledgersync/pkg/resolver"
	"ledgersync/pkg/sponsor"
	"ledgersync/pkg/store"
	"ledgersync/pkg/stream"
	"ledgersync/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Signed-request intents. Chain sync intents carry the order id.
const (
	intentSponsorBuild   = "sponsor:build"
	intentSponsorExecute = "sponsor:execute"
	intentChainSyncFmt   = "orders:chain-sync:%s"
)

type Server struct {
	Orders             orderStore
	Reviews            reviewQueue
	Cache              chainCache
	Resolver           *resolver.Resolver
	Reconciler         *reconcile.Engine
	Sponsor            sponsorExecutor
	Signatures         *auth.Authenticator
	Tokens             *auth.TokenVerifier
	Metrics            *metrics.Registry
	Audit              auditStore
	Events             *stream.Hub
	Notifier           orderbus.Publisher
	RateLimiter        ratelimit.Limiter
	RateLimitPerMinute int
	BodyLimit          int64
	WSOrigins          []string
	CacheWarmInterval  time.Duration
	ResolverBackoff    []time.Duration
	ResolverMaxWait    time.Duration
	SharedSnapshot     bool
	SharedNonces       bool
}

type orderStore interface {
	Get(ctx context.Context, id string) (models.LocalOrderRecord, bool, error)
	ApplyChainState(ctx context.Context, rec models.ChainOrderRecord, extraMeta map[string]any) (models.LocalOrderRecord, error)
	Create(ctx context.Context, rec models.LocalOrderRecord) error
	AdminUpdate(ctx context.Context, id string, patch orderfsm.AdminPatch) (models.LocalOrderRecord, error)
}

type reviewQueue interface {
	Enqueue(ctx context.Context, batchID, requestedBy string, items []store.ReviewItem) (int, error)
}

type chainCache interface {
	Get(ctx context.Context, force bool) ([]models.ChainOrderRecord, chaincache.Result, error)
	Clear(ctx context.Context)
	Stats() chaincache.Stats
	TTL() time.Duration
}

type sponsorExecutor interface {
	Build(ctx context.Context, sender string, kindBytes []byte) (models.SponsoredTxResult, error)
	Execute(ctx context.Context, txBytes []byte, userSignature string) (sponsor.ExecuteResult, error)
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	ListByOrder(ctx context.Context, orderID string, limit int) ([]audit.Record, error)
}

type syncdDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type syncdDBCloser interface {
	syncdDB
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (syncdDBCloser, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type dialLedgerFunc func(ctx context.Context, cfg ledger.Config) (*ledger.Client, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (syncdDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn     = store.NewRedis
	dialLedgerFn    = ledger.Dial
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runSyncd(initTelemetryFn, openDBFn, openRedisFn, dialLedgerFn, listenFn); err != nil {
		logFatalf("syncd: %v", err)
	}
}

func runSyncd(
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	dialLedger dialLedgerFunc,
	listen listenFunc,
) error {
	var seeded []string
	if path := env("CONFIG_FILE", ""); path != "" {
		keys, err := config.Seed(path)
		if err != nil {
			return err
		}
		seeded = keys
	}
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	logger, logCloser := logging.Setup(logging.Options{
		Service:    "syncd",
		Env:        runtimeEnv,
		Level:      env("LOG_LEVEL", "info"),
		File:       env("LOG_FILE", ""),
		MaxSizeMB:  envInt("LOG_MAX_SIZE_MB", 100),
		MaxBackups: envInt("LOG_MAX_BACKUPS", 5),
		MaxAgeDays: envInt("LOG_MAX_AGE_DAYS", 14),
	})
	defer logCloser.Close()
	if len(seeded) > 0 {
		logger.Info("configuration seeded from file", "keys", len(seeded))
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "syncd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory nonce store and limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	kv := store.NewCache(ctx, redisClient)
	authMode := env("AUTH_MODE", "static")

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "syncd",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		AuthMode:              authMode,
		LedgerRPCURL:          env("LEDGER_RPC_URL", ""),
		SharedNonceStore:      store.IsShared(kv),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "ADMIN_TOKEN", Value: env("ADMIN_TOKEN", "")},
			{Name: "SPONSOR_PRIVATE_KEY", Value: env("SPONSOR_PRIVATE_KEY", "")},
		},
	}); err != nil {
		return err
	}

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: envMillis("LEDGER_TIMEOUT_MS", 10000)})
	node, err := dialLedger(ctx, ledger.Config{
		URL:        env("LEDGER_RPC_URL", "http://localhost:9000"),
		PackageID:  env("LEDGER_PACKAGE_ID", ""),
		OrderHubID: env("LEDGER_ORDER_HUB_ID", ""),
		HTTPClient: httpClient,
		PageSize:   envInt("LEDGER_PAGE_SIZE", 50),
		MaxPages:   envInt("LEDGER_MAX_PAGES", 200),
	})
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer node.Close()

	backoff, err := config.DurationsMs(env("RESOLVER_BACKOFF_MS", ""), resolver.DefaultBackoff)
	if err != nil {
		return fmt.Errorf("RESOLVER_BACKOFF_MS: %w", err)
	}
	s := &Server{
		Orders:             store.NewOrderStore(pool),
		Reviews:            store.NewReviewQueue(pool),
		Metrics:            metrics.NewRegistry(),
		Audit:              &audit.Writer{DB: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", "")), Redact: envBool("AUDIT_REDACT", true)},
		Events:             stream.NewHub(),
		Notifier:           orderbus.Nop{},
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		BodyLimit:          int64(envInt("BODY_LIMIT_BYTES", httpx.DefaultBodyLimit)),
		WSOrigins:          stream.OriginPatterns(env("WS_ALLOWED_ORIGINS", "")),
		CacheWarmInterval:  time.Second * time.Duration(envInt("CACHE_WARM_SECONDS", 0)),
		ResolverBackoff:    backoff,
		ResolverMaxWait:    envMillis("RESOLVER_MAX_WAIT_MS", int(resolver.DefaultMaxWait/time.Millisecond)),
		SharedSnapshot:     envBool("CHAIN_CACHE_SHARED", false) && store.IsShared(kv),
		SharedNonces:       store.IsShared(kv),
	}
	cacheCfg := chaincache.Config{
		TTL:      envMillis("CHAIN_CACHE_TTL_MS", int(chaincache.DefaultTTL/time.Millisecond)),
		Observer: s.Metrics,
	}
	if s.SharedSnapshot {
		cacheCfg.Shared = kv
	}
	cache := chaincache.New(node, cacheCfg)
	s.Cache = cache
	s.Resolver = resolver.New(cache, node, resolver.Config{
		Backoff:  s.ResolverBackoff,
		MaxWait:  s.ResolverMaxWait,
		Observer: s.Metrics,
	})
	s.Reconciler = reconcile.New(cache, store.NewOrderStore(pool))

	maxSkew := envMillis("AUTH_MAX_SKEW_MS", int(auth.DefaultMaxSkew/time.Millisecond))
	nonces := store.NewNonceStore(kv, nonceTTL(time.Second*time.Duration(envInt("NONCE_TTL_SEC", 600)), maxSkew))
	s.Signatures = auth.NewAuthenticator(nonces, maxSkew)
	s.Signatures.OnReject = s.Metrics.IncAuthRejection
	if jwks := env("OIDC_JWKS_URL", ""); jwks != "" && !auth.IsValidURL(jwks) {
		return fmt.Errorf("OIDC_JWKS_URL: invalid url %q", jwks)
	}
	s.Tokens = auth.NewTokenVerifier(
		authMode,
		env("OIDC_HS256_SECRET", ""),
		auth.WithStaticToken(env("ADMIN_TOKEN", "")),
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(envMillis("AUTH_TIMEOUT_MS", 5000)),
	)
	limiterClient := redisClient
	if !store.IsShared(kv) {
		limiterClient = nil
	}
	s.RateLimiter = ratelimit.New(limiterClient, time.Minute)

	if raw := env("SPONSOR_PRIVATE_KEY", ""); raw != "" {
		key, err := ledger.LoadPrivateKey(raw)
		if err != nil {
			return fmt.Errorf("SPONSOR_PRIVATE_KEY: %w", err)
		}
		exec, err := sponsor.New(node, sponsor.Config{
			Key:          key,
			GasBudget:    uint64(envInt("SPONSOR_GAS_BUDGET", 0)),
			MaxGasBudget: uint64(envInt("SPONSOR_MAX_GAS_BUDGET", 0)),
			Observer:     s.Metrics,
		})
		if err != nil {
			return err
		}
		s.Sponsor = exec
		logger.Info("gas sponsorship enabled", "sponsor", logging.ShortAddress(exec.Sponsor().Hex()), "gasBudget", exec.GasBudget())
	} else {
		log.Printf("SPONSOR_PRIVATE_KEY not set, sponsorship endpoints disabled")
	}

	if brokers := config.SplitList(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		pub, err := orderbus.NewKafkaPublisher(orderbus.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_ORDER_TOPIC", "ledgersync.orders"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		s.Notifier = pub
	}
	defer s.Notifier.Close()

	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	if s.CacheWarmInterval > 0 {
		go s.warmLoop(loopCtx)
	}

	cors := env("CORS_ALLOWED_ORIGINS", "")
	public := &http.Server{
		Addr:              env("ADDR", ":8080"),
		Handler:           s.publicRouter(cors),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		// Chain sync may wait out the whole resolver ladder.
		WriteTimeout: s.ResolverMaxWait + envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:  envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	internal := &http.Server{
		Addr:              env("INTERNAL_ADDR", ":8081"),
		Handler:           s.internalRouter(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	logger.Info("syncd listening", "public", public.Addr, "internal", internal.Addr, "sharedNonces", s.SharedNonces)
	return serveAll(listen, envDurationSec("SHUTDOWN_TIMEOUT_SEC", 10), public, internal)
}

// serveAll runs every server and stops the rest as soon as one of them
// returns an error, so the process never keeps serving a partial surface.
func serveAll(listen func(*http.Server) error, grace time.Duration, servers ...*http.Server) error {
	g, ctx := errgroup.WithContext(context.Background())
	for _, srv := range servers {
		g.Go(func() error {
			if err := listen(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("shutdown %s: %v", srv.Addr, err)
			}
		}
	}()
	err := g.Wait()
	close(done)
	<-stopped
	return err
}

// nonceTTL keeps a consumed nonce for at least the whole acceptance window of
// its timestamp (skew on either side), otherwise it could be replayed late.
func nonceTTL(configured, maxSkew time.Duration) time.Duration {
	if maxSkew <= 0 {
		maxSkew = auth.DefaultMaxSkew
	}
	if floor := 2 * maxSkew; configured < floor {
		if configured > 0 {
			log.Printf("NONCE_TTL_SEC=%s is below twice AUTH_MAX_SKEW_MS; using %s", configured, floor)
		}
		return floor
	}
	return configured
}

func (s *Server) publicRouter(corsOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(corsOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.ObserveMiddleware(routePattern, s.Metrics.Observe))
	r.Use(telemetry.HTTPMiddleware("syncd"))
	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", s.Metrics.Handler())
	r.Get("/cache", s.withRoles(s.getCache, auth.RoleViewer))
	r.Delete("/cache", s.withRoles(s.clearCache, auth.RoleAdmin))
	r.Post("/cache", s.withRoles(s.refreshCache, auth.RoleAdmin))
	r.Post("/orders", s.withRoles(s.createOrder, auth.RoleAdmin))
	r.Patch("/orders/{id}", s.withRoles(s.editOrder, auth.RoleAdmin))
	r.Post("/orders/{id}/chain-sync", s.chainSync)
	r.Get("/orders/{id}/audit", s.withRoles(s.orderAudit, auth.RoleViewer))
	r.Get("/reconcile", s.withRoles(s.getReconcile, auth.RoleViewer))
	r.Post("/reconcile", s.withRoles(s.postReconcile, auth.RoleAdmin))
	r.Get("/stream", s.withRoles(s.streamEvents, auth.RoleViewer))
	return r
}

// internalRouter serves service-to-service calls only; it is never exposed
// through the public listener.
func (s *Server) internalRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.ObserveMiddleware(routePattern, s.Metrics.Observe))
	r.Use(telemetry.HTTPMiddleware("syncd-internal"))
	r.Get("/healthz", s.healthz)
	r.Post("/internal/sponsor/build", s.sponsorBuild)
	r.Post("/internal/sponsor/execute", s.sponsorExecute)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "syncd",
		"cache":          s.Cache.Stats().Freshness,
		"sharedNonces":   s.SharedNonces,
		"sponsorEnabled": s.Sponsor != nil,
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.Tokens.Verify(r)
		if errors.Is(err, auth.ErrNoToken) {
			httpx.ErrorCode(w, http.StatusUnauthorized, "unauthenticated", "bearer token required")
			return
		}
		if err != nil {
			httpx.ErrorCode(w, http.StatusUnauthorized, "invalid_token", "invalid token")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.ErrorCode(w, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
		h(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	}
}

func (s *Server) warmLoop(ctx context.Context) {
	ticker := time.NewTicker(s.CacheWarmInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orders, res, err := s.Cache.Get(ctx, false)
			if err != nil {
				log.Printf("cache warm: %v", err)
				continue
			}
			if !res.Hit && !res.Fallback {
				s.Events.Publish(stream.NewEvent(stream.EventCacheRefreshed, map[string]any{"orderCount": len(orders), "trigger": "warm"}))
			}
		}
	}
}

// bestEffort logs a failed side effect. It never changes the response.
func (s *Server) bestEffort(kind string, err error) {
	if err == nil {
		return
	}
	log.Printf("best-effort %s failed: %v", kind, err)
	if s.Metrics != nil {
		s.Metrics.IncBestEffortFailure(kind)
	}
}

func (s *Server) recordAudit(ctx context.Context, rec audit.Record) {
	if s.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	s.bestEffort("audit", s.Audit.Append(ctx, rec))
}

func (s *Server) publish(eventType string, data any) {
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(eventType, data))
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	var ae *auth.AuthError
	if errors.As(err, &ae) {
		httpx.ErrorCode(w, ae.Status, ae.Code, ae.Message)
		return
	}
	httpx.ErrorCode(w, http.StatusUnauthorized, auth.CodeAuthRequired, "authentication failed")
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := httpx.ReadBody(r, s.BodyLimit)
	if err == nil {
		return body, true
	}
	if errors.Is(err, httpx.ErrBodyTooLarge) {
		httpx.ErrorCode(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return nil, false
	}
	httpx.ErrorCode(w, http.StatusBadRequest, "invalid_body", "invalid request body")
	return nil, false
}

// allow applies the per-address limit for one intent scope.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, scope, address string) bool {
	if s.RateLimiter == nil || s.RateLimitPerMinute <= 0 {
		return true
	}
	d := s.RateLimiter.Allow(r.Context(), ratelimit.AddressKey(scope, address), s.RateLimitPerMinute)
	ratelimit.WriteHeaders(w, d)
	if !d.Allowed {
		httpx.ErrorCode(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return false
	}
	return true
}

func actorOf(ctx context.Context) string {
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		if p.Address != "" {
			return p.Address
		}
		return p.Subject
	}
	return ""
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envMillis(k string, def int) time.Duration {
	return time.Millisecond * time.Duration(envInt(k, def))
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
