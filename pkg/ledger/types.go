package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Effects status values reported by the node.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// AbortOrderNotFound is the abort reason get_order reports for unknown ids.
const AbortOrderNotFound = "order_not_found"

// Event names emitted by order_hub.
const (
	EventOrderCreated = "OrderCreated"
	EventOrderUpdated = "OrderUpdated"
)

type EventID struct {
	TxDigest string `json:"txDigest"`
	EventSeq uint64 `json:"eventSeq"`
}

type EventFilter struct {
	MoveEventType string `json:"moveEventType,omitempty"`
	Transaction   string `json:"transaction,omitempty"`
}

type Event struct {
	ID          EventID         `json:"id"`
	Type        string          `json:"type"`
	Sender      string          `json:"sender,omitempty"`
	TimestampMs U64             `json:"timestampMs,omitempty"`
	ParsedJSON  json.RawMessage `json:"parsedJson"`
}

type EventPage struct {
	Data        []Event  `json:"data"`
	NextCursor  *EventID `json:"nextCursor,omitempty"`
	HasNextPage bool     `json:"hasNextPage"`
}

type ExecutionStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s ExecutionStatus) OK() bool { return s.Status == StatusSuccess }

type Effects struct {
	Status ExecutionStatus `json:"status"`
}

type ReturnValue struct {
	Type  string `json:"type"`
	Bytes []byte `json:"bytes"`
}

type CommandResult struct {
	ReturnValues []ReturnValue `json:"returnValues"`
}

type DevInspectResult struct {
	Effects Effects         `json:"effects"`
	Results []CommandResult `json:"results"`
}

type ExecuteResponse struct {
	Digest  string  `json:"digest"`
	Effects Effects `json:"effects"`
	Events  []Event `json:"events,omitempty"`
}

// U64 is a uint64 carried as a decimal string on the wire; bare numbers are
// accepted too.
type U64 uint64

func (u U64) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(u), 10))
}

func (u *U64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*u = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid u64 %q", s)
	}
	*u = U64(v)
	return nil
}

// OrderEventFields is the parsed payload of an order_hub event. Absent fields
// stay nil so callers can tell "missing" from "zero".
type OrderEventFields struct {
	OrderID    U64     `json:"order_id"`
	User       *string `json:"user,omitempty"`
	Companion  *string `json:"companion,omitempty"`
	Status     *uint8  `json:"status,omitempty"`
	RuleSetID  *U64    `json:"rule_set_id,omitempty"`
	ServiceFee *U64    `json:"service_fee,omitempty"`
	Deposit    *U64    `json:"deposit,omitempty"`
	CreatedAt  *U64    `json:"created_at,omitempty"`
}

func DecodeU8(b []byte) (uint8, error) {
	if len(b) != 1 {
		return 0, fmt.Errorf("u8: want 1 byte, got %d", len(b))
	}
	return b[0], nil
}

func DecodeU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("u64: want 8 bytes, got %d", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

func DecodeAddress(b []byte) (common.Address, error) {
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("address: want %d bytes, got %d", common.AddressLength, len(b))
	}
	return common.BytesToAddress(b), nil
}
