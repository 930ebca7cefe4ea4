package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes how to reach the shared key-value store.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	TLS        *tls.Config
	RequireTLS bool
}

// RedisConfigFromEnv reads REDIS_* variables.
func RedisConfigFromEnv() (RedisConfig, error) {
	cfg := RedisConfig{
		Addr:       strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password:   os.Getenv("REDIS_PASSWORD"),
		RequireTLS: requiresSecureTransport("REDIS_REQUIRE_TLS"),
	}
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			cfg.DB = parsed
		}
	}
	tlsConfig, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		return RedisConfig{}, err
	}
	cfg.TLS = tlsConfig
	return cfg, nil
}

// NewRedis connects to Redis. An empty address means "not configured" and
// returns (nil, nil) so callers can fall back to the in-process cache.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	cfg, err := RedisConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewRedisWithConfig(ctx, cfg)
}

func NewRedisWithConfig(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	if cfg.RequireTLS && cfg.TLS == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func loadRedisTLSConfigFromEnv() (*tls.Config, error) {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("REDIS_TLS")), "true") {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE")), "true") {
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("REDIS_ALLOW_INSECURE_TLS")), "true") {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
