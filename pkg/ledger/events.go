package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseOrderEvent decodes the payload of an order_hub event.
func ParseOrderEvent(ev Event) (OrderEventFields, error) {
	var f OrderEventFields
	if len(ev.ParsedJSON) == 0 {
		return f, fmt.Errorf("event %s has no payload", ev.Type)
	}
	if err := json.Unmarshal(ev.ParsedJSON, &f); err != nil {
		return OrderEventFields{}, fmt.Errorf("decode %s: %w", ev.Type, err)
	}
	return f, nil
}

// PartialOrder is an order reconstructed from transaction events. Nil fields
// were not present in any event.
type PartialOrder struct {
	OrderID    string
	Digest     string
	User       *string
	Companion  *string
	Status     *int
	RuleSetID  *uint64
	ServiceFee *uint64
	Deposit    *uint64
	CreatedAt  *int64
}

// OrderFromEvents folds every order_hub event for orderID in emission order.
// It reports false when no event in the transaction references the order.
func OrderFromEvents(pkg, orderID, digest string, events []Event) (PartialOrder, bool) {
	prefix := Target(pkg, OrderHubModule, "")
	out := PartialOrder{OrderID: orderID, Digest: digest}
	matched := false
	for _, ev := range events {
		if !strings.HasPrefix(strings.ToLower(ev.Type), prefix) {
			continue
		}
		f, err := ParseOrderEvent(ev)
		if err != nil {
			continue
		}
		if strconv.FormatUint(uint64(f.OrderID), 10) != orderID {
			continue
		}
		matched = true
		if strings.HasSuffix(ev.Type, "::"+EventOrderCreated) && f.Status == nil {
			zero := 0
			out.Status = &zero
		}
		if f.User != nil {
			v := strings.ToLower(*f.User)
			out.User = &v
		}
		if f.Companion != nil {
			v := strings.ToLower(*f.Companion)
			out.Companion = &v
		}
		if f.Status != nil {
			v := int(*f.Status)
			out.Status = &v
		}
		if f.RuleSetID != nil {
			v := uint64(*f.RuleSetID)
			out.RuleSetID = &v
		}
		if f.ServiceFee != nil {
			v := uint64(*f.ServiceFee)
			out.ServiceFee = &v
		}
		if f.Deposit != nil {
			v := uint64(*f.Deposit)
			out.Deposit = &v
		}
		if f.CreatedAt != nil {
			v := int64(*f.CreatedAt)
			out.CreatedAt = &v
		}
	}
	return out, matched
}
