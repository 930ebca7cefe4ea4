package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
environment: staging
server:
  addr: ":9090"
  cors_allowed_origins: ["https://ops.example.com", "https://admin.example.com"]
  rate_limit_per_minute: 30
database:
  url: postgres://sync@db/ledgersync?sslmode=require
  require_tls: true
redis:
  addr: redis:6379
  db: 0
ledger:
  rpc_url: https://rpc.example.com
  package_id: "0xpkg"
  order_hub_id: "0xhub"
cache:
  ttl_ms: 30000
  shared_snapshot: false
resolver:
  backoff_ms: [1000, 2000, 4000, 8000]
  max_wait_ms: 15000
auth:
  max_skew_ms: 300000
  admin_token: file-token
sponsor:
  gas_budget: 10000000
kafka:
  brokers: ["k1:9092", "k2:9092"]
  order_topic: orders.notifications
log:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFlattensToEnv(t *testing.T) {
	f, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	env := f.Env()

	require.Equal(t, "staging", env["ENVIRONMENT"])
	require.Equal(t, ":9090", env["ADDR"])
	require.Equal(t, "https://ops.example.com,https://admin.example.com", env["CORS_ALLOWED_ORIGINS"])
	require.Equal(t, "true", env["DATABASE_REQUIRE_TLS"])
	require.Equal(t, "0", env["REDIS_DB"])
	require.Equal(t, "0xhub", env["LEDGER_ORDER_HUB_ID"])
	require.Equal(t, "false", env["CHAIN_CACHE_SHARED"])
	require.Equal(t, "1000,2000,4000,8000", env["RESOLVER_BACKOFF_MS"])
	require.Equal(t, "10000000", env["SPONSOR_GAS_BUDGET"])
	require.Equal(t, "k1:9092,k2:9092", env["KAFKA_BROKERS"])
	require.Equal(t, "debug", env["LOG_LEVEL"])

	_, hasInternal := env["INTERNAL_ADDR"]
	require.False(t, hasInternal, "zero values must not be exported")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "ledger:\n  rpc_ur: https://typo\n"))
	require.Error(t, err)

	_, err = Load("")
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyKeepsExistingEnv(t *testing.T) {
	existing := map[string]string{"ADMIN_TOKEN": "env-token"}
	set := map[string]string{}
	seeded, err := apply(
		map[string]string{"ADMIN_TOKEN": "file-token", "ADDR": ":9090"},
		func(k string) (string, bool) { v, ok := existing[k]; return v, ok },
		func(k, v string) error { set[k] = v; return nil },
	)
	require.NoError(t, err)
	require.Equal(t, []string{"ADDR"}, seeded)
	require.Equal(t, map[string]string{"ADDR": ":9090"}, set)
}

func TestSeed(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	f, err := Load(path)
	require.NoError(t, err)
	for k := range f.Env() {
		// t.Setenv registers the restore; the unset makes the key absent.
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	t.Setenv("ADMIN_TOKEN", "env-token")

	seeded, err := Seed(path)
	require.NoError(t, err)
	require.Contains(t, seeded, "LEDGER_PACKAGE_ID")
	require.NotContains(t, seeded, "ADMIN_TOKEN")
	require.Equal(t, "env-token", os.Getenv("ADMIN_TOKEN"))
	require.Equal(t, "0xpkg", os.Getenv("LEDGER_PACKAGE_ID"))
	require.Equal(t, "orders.notifications", os.Getenv("KAFKA_ORDER_TOPIC"))
}

func TestDurationsMs(t *testing.T) {
	def := []time.Duration{time.Second}
	got, err := DurationsMs(" 500, 1500 ,", def)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond}, got)

	got, err = DurationsMs("", def)
	require.NoError(t, err)
	require.Equal(t, def, got)

	_, err = DurationsMs("1000,abc", def)
	require.Error(t, err)
	_, err = DurationsMs("0", def)
	require.Error(t, err)
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, SplitList(" a, ,b "))
	require.Nil(t, SplitList(""))
}
