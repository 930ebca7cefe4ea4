// Package hardening refuses unsafe configurations in production-like
// environments before syncd starts serving.
package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	AuthMode               string
	LedgerRPCURL           string
	SharedNonceStore       bool
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction returns the first violated rule, or nil outside
// production-like environments or when STRICT_PROD_SECURITY=false.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) == "" {
		return fmt.Errorf("%s: strict production hardening requires REDIS_ADDR for the shared nonce store", service)
	}
	if !isTrue(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
	}
	if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
		return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
	}
	if !o.SharedNonceStore {
		return fmt.Errorf("%s: strict production hardening forbids the in-process nonce store", service)
	}
	if strings.EqualFold(strings.TrimSpace(o.AuthMode), "off") {
		return fmt.Errorf("%s: strict production hardening forbids AUTH_MODE=off", service)
	}
	if rpc := strings.ToLower(strings.TrimSpace(o.LedgerRPCURL)); rpc != "" && !strings.HasPrefix(rpc, "https://") {
		return fmt.Errorf("%s: strict production hardening requires an https LEDGER_RPC_URL", service)
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

// IsProductionLike reports whether env names a production or staging deployment.
func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
