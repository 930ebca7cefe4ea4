// Package ledgertest runs an in-process order hub node that speaks the same
// JSON-RPC methods as the real ledger node.
package ledgertest

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"ledgersync/pkg/ledger"
	"ledgersync/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// Executed is one transaction the node accepted for execution.
type Executed struct {
	Tx         ledger.TransactionData
	Bytes      []byte
	Signatures []string
	Signers    []common.Address
}

type Node struct {
	PackageID string
	HubID     string

	mu            sync.Mutex
	orders        map[uint64]models.ChainOrderRecord
	created       []ledger.Event
	txEvents      map[string][]ledger.Event
	executed      []Executed
	executeStatus ledger.ExecutionStatus
	failErr       error
	gasPrice      uint64
	calls         map[string]int
}

func New(pkg, hub string) *Node {
	return &Node{
		PackageID:     strings.ToLower(pkg),
		HubID:         hub,
		orders:        map[uint64]models.ChainOrderRecord{},
		txEvents:      map[string][]ledger.Event{},
		executeStatus: ledger.ExecutionStatus{Status: ledger.StatusSuccess},
		gasPrice:      1000,
		calls:         map[string]int{},
	}
}

// Start serves the node over HTTP. Close the returned server when done.
func (n *Node) Start() *httptest.Server {
	srv := rpc.NewServer()
	if err := srv.RegisterName("ledger", &service{node: n}); err != nil {
		panic(err)
	}
	return httptest.NewServer(srv)
}

// PutOrder stores rec and, the first time an id is seen, indexes an
// OrderCreated event for it.
func (n *Node) PutOrder(rec models.ChainOrderRecord) {
	id, err := ledger.ParseOrderID(rec.OrderID)
	if err != nil {
		panic(err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, existed := n.orders[id]
	n.orders[id] = rec
	if existed {
		return
	}
	digest := rec.Digest
	if digest == "" {
		digest = "0xcreated" + rec.OrderID
	}
	n.created = append(n.created, OrderCreatedEvent(n.PackageID, rec, digest, uint64(len(n.created))))
}

// SetStatus mutates a stored order without emitting an index event.
func (n *Node) SetStatus(orderID string, status int) {
	id, _ := ledger.ParseOrderID(orderID)
	n.mu.Lock()
	defer n.mu.Unlock()
	if rec, ok := n.orders[id]; ok {
		rec.Status = status
		n.orders[id] = rec
	}
}

// Unindex hides an order from event scans while keeping it readable, which
// is how indexer lag looks from the outside.
func (n *Node) Unindex(orderID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kept := n.created[:0]
	for _, ev := range n.created {
		f, err := ledger.ParseOrderEvent(ev)
		if err == nil && strconv.FormatUint(uint64(f.OrderID), 10) == orderID {
			continue
		}
		kept = append(kept, ev)
	}
	n.created = kept
}

func (n *Node) RemoveOrder(orderID string) {
	id, _ := ledger.ParseOrderID(orderID)
	n.Unindex(orderID)
	n.mu.Lock()
	delete(n.orders, id)
	n.mu.Unlock()
}

func (n *Node) SetTransactionEvents(digest string, events []ledger.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.txEvents[digest] = events
}

// SetExecuteStatus controls the effects status of subsequent executions.
func (n *Node) SetExecuteStatus(status ledger.ExecutionStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.executeStatus = status
}

// FailWith makes every subsequent call fail with err until cleared with nil.
func (n *Node) FailWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failErr = err
}

func (n *Node) Executed() []Executed {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Executed(nil), n.executed...)
}

func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *Node) enter(method string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[method]++
	return n.failErr
}

// OrderCreatedEvent renders the event create_order emits for rec.
func OrderCreatedEvent(pkg string, rec models.ChainOrderRecord, digest string, seq uint64) ledger.Event {
	payload := map[string]any{
		"order_id":    rec.OrderID,
		"user":        rec.User,
		"rule_set_id": strconv.FormatUint(rec.RuleSetID, 10),
		"service_fee": strconv.FormatUint(rec.ServiceFee, 10),
		"deposit":     strconv.FormatUint(rec.Deposit, 10),
		"created_at":  strconv.FormatInt(rec.CreatedAt, 10),
	}
	if rec.Companion != "" {
		payload["companion"] = rec.Companion
	}
	raw, _ := json.Marshal(payload)
	return ledger.Event{
		ID:         ledger.EventID{TxDigest: digest, EventSeq: seq},
		Type:       ledger.EventType(pkg, ledger.EventOrderCreated),
		ParsedJSON: raw,
	}
}

// OrderUpdatedEvent renders a status change event carrying only the status.
func OrderUpdatedEvent(pkg, orderID string, status int, digest string, seq uint64) ledger.Event {
	raw, _ := json.Marshal(map[string]any{"order_id": orderID, "status": status})
	return ledger.Event{
		ID:         ledger.EventID{TxDigest: digest, EventSeq: seq},
		Type:       ledger.EventType(pkg, ledger.EventOrderUpdated),
		ParsedJSON: raw,
	}
}

type service struct{ node *Node }

func (s *service) QueryEvents(ctx context.Context, filter ledger.EventFilter, cursor *ledger.EventID, limit int, descending bool) (*ledger.EventPage, error) {
	if err := s.node.enter("queryEvents"); err != nil {
		return nil, err
	}
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	var matching []ledger.Event
	for _, ev := range s.node.created {
		if filter.MoveEventType == "" || strings.EqualFold(ev.Type, filter.MoveEventType) {
			matching = append(matching, ev)
		}
	}
	if descending {
		sort.SliceStable(matching, func(i, j int) bool { return matching[i].ID.EventSeq > matching[j].ID.EventSeq })
	}
	start := 0
	if cursor != nil {
		for i, ev := range matching {
			if ev.ID == *cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(matching) {
		end = len(matching)
	}
	page := &ledger.EventPage{Data: append([]ledger.Event{}, matching[start:end]...)}
	if end < len(matching) {
		next := matching[end-1].ID
		page.NextCursor = &next
		page.HasNextPage = true
	}
	return page, nil
}

func (s *service) DevInspect(ctx context.Context, sender string, kindB64 string) (*ledger.DevInspectResult, error) {
	if err := s.node.enter("devInspect"); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(kindB64)
	if err != nil {
		return nil, err
	}
	kind, err := ledger.DecodeKind(raw)
	if err != nil {
		return nil, err
	}
	if len(kind.Commands) != 1 || kind.Commands[0].MoveCall.Function != ledger.ViewGetOrder {
		return nil, errors.New("only get_order is inspectable")
	}
	args := kind.Commands[0].MoveCall.Arguments
	if len(args) != 2 || len(args[1].Pure) != 8 {
		return nil, errors.New("get_order expects (hub, order_id)")
	}
	id := binary.LittleEndian.Uint64(args[1].Pure)
	s.node.mu.Lock()
	rec, ok := s.node.orders[id]
	s.node.mu.Unlock()
	if !ok {
		return &ledger.DevInspectResult{Effects: ledger.Effects{Status: ledger.ExecutionStatus{
			Status: ledger.StatusFailure,
			Error:  fmt.Sprintf("MoveAbort(%s::%s, %s)", s.node.PackageID, ledger.OrderHubModule, ledger.AbortOrderNotFound),
		}}}, nil
	}
	return &ledger.DevInspectResult{
		Effects: ledger.Effects{Status: ledger.ExecutionStatus{Status: ledger.StatusSuccess}},
		Results: []ledger.CommandResult{{ReturnValues: []ledger.ReturnValue{
			{Type: "address", Bytes: common.HexToAddress(rec.User).Bytes()},
			{Type: "address", Bytes: common.HexToAddress(rec.Companion).Bytes()},
			{Type: "u8", Bytes: []byte{byte(rec.Status)}},
			{Type: "u64", Bytes: u64(rec.RuleSetID)},
			{Type: "u64", Bytes: u64(rec.ServiceFee)},
			{Type: "u64", Bytes: u64(rec.Deposit)},
			{Type: "u64", Bytes: u64(uint64(rec.CreatedAt))},
		}}},
	}, nil
}

func (s *service) GetTransactionEvents(ctx context.Context, digest string) ([]ledger.Event, error) {
	if err := s.node.enter("getTransactionEvents"); err != nil {
		return nil, err
	}
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	events, ok := s.node.txEvents[digest]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", digest)
	}
	return events, nil
}

func (s *service) ExecuteTransaction(ctx context.Context, txB64 string, signatures []string) (*ledger.ExecuteResponse, error) {
	if err := s.node.enter("executeTransaction"); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(txB64)
	if err != nil {
		return nil, err
	}
	tx, err := ledger.DecodeTransaction(raw)
	if err != nil {
		return nil, err
	}
	var signers []common.Address
	for _, sig := range signatures {
		addr, err := ledger.RecoverTransactionSigner(raw, sig)
		if err != nil {
			return nil, err
		}
		signers = append(signers, addr)
	}
	if !containsAddr(signers, tx.Sender) || !containsAddr(signers, tx.Gas.Owner) {
		return nil, errors.New("missing sender or gas owner signature")
	}
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	s.node.executed = append(s.node.executed, Executed{Tx: tx, Bytes: raw, Signatures: signatures, Signers: signers})
	return &ledger.ExecuteResponse{
		Digest:  ledger.TxDigestHex(raw),
		Effects: ledger.Effects{Status: s.node.executeStatus},
	}, nil
}

func (s *service) ReferenceGasPrice(ctx context.Context) (ledger.U64, error) {
	if err := s.node.enter("referenceGasPrice"); err != nil {
		return 0, err
	}
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	return ledger.U64(s.node.gasPrice), nil
}

func containsAddr(list []common.Address, want common.Address) bool {
	for _, a := range list {
		if a == want {
			return true
		}
	}
	return false
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
