// Package config seeds the process environment from an optional YAML file.
// Binaries keep reading settings through their env helpers; a variable that
// is already set always wins over the file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type File struct {
	Environment string         `yaml:"environment"`
	Server      ServerConfig   `yaml:"server"`
	Database    DatabaseConfig `yaml:"database"`
	Redis       RedisConfig    `yaml:"redis"`
	Ledger      LedgerConfig   `yaml:"ledger"`
	Cache       CacheConfig    `yaml:"cache"`
	Resolver    ResolverConfig `yaml:"resolver"`
	Auth        AuthConfig     `yaml:"auth"`
	Sponsor     SponsorConfig  `yaml:"sponsor"`
	Kafka       KafkaConfig    `yaml:"kafka"`
	Log         LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr             string   `yaml:"addr"`
	InternalAddr     string   `yaml:"internal_addr"`
	CORSOrigins      []string `yaml:"cors_allowed_origins"`
	WSOrigins        []string `yaml:"ws_allowed_origins"`
	RateLimitPerMin  int      `yaml:"rate_limit_per_minute"`
	BodyLimitBytes   int      `yaml:"body_limit_bytes"`
	CacheWarmSeconds int      `yaml:"cache_warm_seconds"`
}

type DatabaseConfig struct {
	URL        string `yaml:"url"`
	RequireTLS *bool  `yaml:"require_tls"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	DB         *int   `yaml:"db"`
	TLS        *bool  `yaml:"tls"`
	RequireTLS *bool  `yaml:"require_tls"`
}

type LedgerConfig struct {
	RPCURL     string `yaml:"rpc_url"`
	PackageID  string `yaml:"package_id"`
	OrderHubID string `yaml:"order_hub_id"`
	PageSize   int    `yaml:"page_size"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

type CacheConfig struct {
	TTLMs          int   `yaml:"ttl_ms"`
	SharedSnapshot *bool `yaml:"shared_snapshot"`
}

type ResolverConfig struct {
	BackoffMs []int `yaml:"backoff_ms"`
	MaxWaitMs int   `yaml:"max_wait_ms"`
}

type AuthConfig struct {
	Mode        string `yaml:"mode"`
	MaxSkewMs   int    `yaml:"max_skew_ms"`
	NonceTTLSec int    `yaml:"nonce_ttl_sec"`
	AdminToken  string `yaml:"admin_token"`
	HS256Secret string `yaml:"oidc_hs256_secret"`
	Issuer      string `yaml:"oidc_issuer"`
	Audience    string `yaml:"oidc_audience"`
	JWKSURL     string `yaml:"oidc_jwks_url"`
}

type SponsorConfig struct {
	PrivateKey string `yaml:"private_key"`
	GasBudget  uint64 `yaml:"gas_budget"`
	MaxBudget  uint64 `yaml:"max_gas_budget"`
}

type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`
	OrderTopic string   `yaml:"order_topic"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load decodes a YAML file. Unknown keys are rejected so typos surface at
// startup.
func Load(path string) (File, error) {
	var f File
	path = strings.TrimSpace(path)
	if path == "" {
		return f, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return f, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return f, nil
}

// Env flattens the file into environment variable names. Zero values are
// omitted so they never shadow a binary's own defaults.
func (f File) Env() map[string]string {
	out := map[string]string{}
	put := func(key, val string) {
		if val = strings.TrimSpace(val); val != "" {
			out[key] = val
		}
	}
	putInt := func(key string, v int) {
		if v != 0 {
			out[key] = strconv.Itoa(v)
		}
	}
	putUint := func(key string, v uint64) {
		if v != 0 {
			out[key] = strconv.FormatUint(v, 10)
		}
	}
	putBool := func(key string, v *bool) {
		if v != nil {
			out[key] = strconv.FormatBool(*v)
		}
	}

	put("ENVIRONMENT", f.Environment)
	put("ADDR", f.Server.Addr)
	put("INTERNAL_ADDR", f.Server.InternalAddr)
	put("CORS_ALLOWED_ORIGINS", strings.Join(f.Server.CORSOrigins, ","))
	put("WS_ALLOWED_ORIGINS", strings.Join(f.Server.WSOrigins, ","))
	putInt("RATE_LIMIT_PER_MINUTE", f.Server.RateLimitPerMin)
	putInt("BODY_LIMIT_BYTES", f.Server.BodyLimitBytes)
	putInt("CACHE_WARM_SECONDS", f.Server.CacheWarmSeconds)

	put("DATABASE_URL", f.Database.URL)
	putBool("DATABASE_REQUIRE_TLS", f.Database.RequireTLS)

	put("REDIS_ADDR", f.Redis.Addr)
	if f.Redis.DB != nil {
		out["REDIS_DB"] = strconv.Itoa(*f.Redis.DB)
	}
	putBool("REDIS_TLS", f.Redis.TLS)
	putBool("REDIS_REQUIRE_TLS", f.Redis.RequireTLS)

	put("LEDGER_RPC_URL", f.Ledger.RPCURL)
	put("LEDGER_PACKAGE_ID", f.Ledger.PackageID)
	put("LEDGER_ORDER_HUB_ID", f.Ledger.OrderHubID)
	putInt("LEDGER_PAGE_SIZE", f.Ledger.PageSize)
	putInt("LEDGER_TIMEOUT_MS", f.Ledger.TimeoutMs)

	putInt("CHAIN_CACHE_TTL_MS", f.Cache.TTLMs)
	putBool("CHAIN_CACHE_SHARED", f.Cache.SharedSnapshot)

	if len(f.Resolver.BackoffMs) > 0 {
		parts := make([]string, 0, len(f.Resolver.BackoffMs))
		for _, ms := range f.Resolver.BackoffMs {
			parts = append(parts, strconv.Itoa(ms))
		}
		out["RESOLVER_BACKOFF_MS"] = strings.Join(parts, ",")
	}
	putInt("RESOLVER_MAX_WAIT_MS", f.Resolver.MaxWaitMs)

	put("AUTH_MODE", f.Auth.Mode)
	putInt("AUTH_MAX_SKEW_MS", f.Auth.MaxSkewMs)
	putInt("NONCE_TTL_SEC", f.Auth.NonceTTLSec)
	put("ADMIN_TOKEN", f.Auth.AdminToken)
	put("OIDC_HS256_SECRET", f.Auth.HS256Secret)
	put("OIDC_ISSUER", f.Auth.Issuer)
	put("OIDC_AUDIENCE", f.Auth.Audience)
	put("OIDC_JWKS_URL", f.Auth.JWKSURL)

	put("SPONSOR_PRIVATE_KEY", f.Sponsor.PrivateKey)
	putUint("SPONSOR_GAS_BUDGET", f.Sponsor.GasBudget)
	putUint("SPONSOR_MAX_GAS_BUDGET", f.Sponsor.MaxBudget)

	put("KAFKA_BROKERS", strings.Join(f.Kafka.Brokers, ","))
	put("KAFKA_ORDER_TOPIC", f.Kafka.OrderTopic)

	put("LOG_LEVEL", f.Log.Level)
	put("LOG_FILE", f.Log.File)
	return out
}

// Seed loads path and exports every key the environment does not already
// define. It returns the keys it set, sorted.
func Seed(path string) ([]string, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return apply(f.Env(), os.LookupEnv, os.Setenv)
}

func apply(values map[string]string, lookup func(string) (string, bool), set func(string, string) error) ([]string, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	seeded := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := lookup(k); ok {
			continue
		}
		if err := set(k, values[k]); err != nil {
			return seeded, fmt.Errorf("seed %s: %w", k, err)
		}
		seeded = append(seeded, k)
	}
	return seeded, nil
}

// DurationsMs parses a comma-separated millisecond list such as "1000,2000".
// Blank input yields def; any non-positive or malformed entry is an error.
func DurationsMs(raw string, def []time.Duration) ([]time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ms, err := strconv.Atoi(p)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid millisecond value %q", p)
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	if len(out) == 0 {
		return def, nil
	}
	return out, nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
