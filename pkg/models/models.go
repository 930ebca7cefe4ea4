package models

import (
	"strconv"
	"strings"
	"time"
)

// Ledger order lifecycle status as stored by the order hub contract.
const (
	ChainStatusCreated       = 0
	ChainStatusPaid          = 1
	ChainStatusClaimed       = 2
	ChainStatusDepositLocked = 3
	ChainStatusCompleted     = 4
	ChainStatusDisputed      = 5
	ChainStatusFinalized     = 6
	ChainStatusCancelled     = 7
)

var chainStatusNames = [...]string{"created", "paid", "claimed", "deposit_locked", "completed", "disputed", "finalized", "cancelled"}

// ChainStatusName returns the lifecycle name of a ledger status, or
// "unknown_<n>" for values outside the enum.
func ChainStatusName(status int) string {
	if status >= 0 && status < len(chainStatusNames) {
		return chainStatusNames[status]
	}
	return "unknown_" + strconv.Itoa(status)
}

// Local business stages.
const (
	StagePending    = "pending"
	StageConfirmed  = "confirmed"
	StageInProgress = "in_progress"
	StageCompleted  = "completed"
	StageCancelled  = "cancelled"
)

// Payment states mirrored from the ledger.
const (
	PaymentUnpaid    = "unpaid"
	PaymentPaid      = "paid"
	PaymentSettled   = "settled"
	PaymentCancelled = "cancelled"
)

// Order record sources.
const (
	SourceManual = "manual"
	SourceApp    = "app"
	SourceChain  = "chain"
)

// ChainOrderRecord is one observation of an order on the ledger. Values are
// never mutated after they are read.
type ChainOrderRecord struct {
	OrderID    string `json:"orderId"`
	User       string `json:"user"`
	Companion  string `json:"companion"`
	Status     int    `json:"status"`
	RuleSetID  uint64 `json:"ruleSetId"`
	ServiceFee uint64 `json:"serviceFee"`
	Deposit    uint64 `json:"deposit"`
	CreatedAt  int64  `json:"createdAt"`
	Digest     string `json:"digest,omitempty"`
}

// IsParticipant reports whether addr is the order's user or companion.
func (r ChainOrderRecord) IsParticipant(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	return strings.EqualFold(r.User, addr) || strings.EqualFold(r.Companion, addr)
}

// LocalOrderRecord is the operational store's view of an order.
type LocalOrderRecord struct {
	ID            string         `json:"id"`
	User          string         `json:"user,omitempty"`
	Companion     string         `json:"companion,omitempty"`
	Stage         string         `json:"stage"`
	ChainStatus   *int           `json:"chainStatus,omitempty"`
	PaymentStatus string         `json:"paymentStatus"`
	Source        string         `json:"source"`
	ServiceFee    uint64         `json:"serviceFee"`
	Deposit       uint64         `json:"deposit"`
	Meta          map[string]any `json:"meta,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// ChainLinked reports whether the ledger owns the order's lifecycle fields.
func (o LocalOrderRecord) ChainLinked() bool {
	return o.Source == SourceChain || o.ChainStatus != nil
}

// IsParticipant reports whether addr is the order's user or companion.
func (o LocalOrderRecord) IsParticipant(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	return strings.EqualFold(o.User, addr) || strings.EqualFold(o.Companion, addr)
}

// MetaString returns a trimmed string value from Meta.
func (o LocalOrderRecord) MetaString(key string) string {
	if o.Meta == nil {
		return ""
	}
	v, ok := o.Meta[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// AuthEnvelope is the signed request envelope of one privileged request.
type AuthEnvelope struct {
	Address   string `json:"address"`
	Intent    string `json:"intent"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	BodyHash  string `json:"bodyHash,omitempty"`
	Signature string `json:"signature"`
}

// SponsoredTxRequest asks the sponsor to gas-annotate a transaction kind.
type SponsoredTxRequest struct {
	Sender    string `json:"sender"`
	KindBytes string `json:"kindBytes"`
}

// SponsoredTxResult is the gas-annotated transaction handed back to the client.
type SponsoredTxResult struct {
	Bytes     string `json:"bytes"`
	Sponsor   string `json:"sponsor"`
	Sender    string `json:"sender"`
	GasBudget uint64 `json:"gasBudget"`
}

// SponsoredExecuteRequest carries the round-tripped bytes plus the user signature.
type SponsoredExecuteRequest struct {
	Bytes         string `json:"bytes"`
	UserSignature string `json:"userSignature"`
}
