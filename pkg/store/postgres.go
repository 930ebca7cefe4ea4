package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// NewPostgresPool opens the operational order store, retrying until the
// database accepts a ping.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = "postgres://ledgersync@localhost:5432/ledgersync?sslmode=disable"
	}
	if requiresSecureTransport("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "ledgersync"
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func requiresSecureTransport(envKey string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(envKey)))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}
