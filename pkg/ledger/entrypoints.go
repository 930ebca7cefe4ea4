package ledger

import (
	"fmt"
	"strings"
)

// OrderHubModule is the on-ledger module that owns the order lifecycle.
const OrderHubModule = "order_hub"

// Order lifecycle entry points.
const (
	EntryCreateOrder            = "create_order"
	EntryPayServiceFee          = "pay_service_fee"
	EntryClaimOrder             = "claim_order"
	EntryLockDeposit            = "lock_deposit"
	EntryMarkCompleted          = "mark_completed"
	EntryRaiseDispute           = "raise_dispute"
	EntryFinalizeWithoutDispute = "finalize_without_dispute"
	EntryCancelOrder            = "cancel_order"
)

// EntryPoints lists the only functions the platform ever invokes on the ledger.
var EntryPoints = [...]string{
	EntryCreateOrder,
	EntryPayServiceFee,
	EntryClaimOrder,
	EntryLockDeposit,
	EntryMarkCompleted,
	EntryRaiseDispute,
	EntryFinalizeWithoutDispute,
	EntryCancelOrder,
}

// Read-only view function used for dry-run queries.
const ViewGetOrder = "get_order"

// Target renders the fully-qualified package::module::function name.
func Target(pkg, module, function string) string {
	return fmt.Sprintf("%s::%s::%s", strings.ToLower(strings.TrimSpace(pkg)), module, function)
}

// AllowedTargets returns the fully-qualified allowlist for pkg.
func AllowedTargets(pkg string) map[string]struct{} {
	out := make(map[string]struct{}, len(EntryPoints))
	for _, fn := range EntryPoints {
		out[Target(pkg, OrderHubModule, fn)] = struct{}{}
	}
	return out
}

// IsEntryPoint reports whether fn is one of the order lifecycle entry points.
func IsEntryPoint(fn string) bool {
	for _, e := range EntryPoints {
		if e == fn {
			return true
		}
	}
	return false
}

// EventType is the fully-qualified type of an order_hub event.
func EventType(pkg, name string) string {
	return Target(pkg, OrderHubModule, name)
}
