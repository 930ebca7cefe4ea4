package ledger_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ledgersync/pkg/ledger"
	"ledgersync/pkg/ledger/ledgertest"
	"ledgersync/pkg/models"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	testPkg = "0x00000000000000000000000000000000000000a1"
	testHub = "0x00000000000000000000000000000000000000b2"
)

func startNode(t *testing.T) (*ledgertest.Node, *ledger.Client) {
	t.Helper()
	node := ledgertest.New(testPkg, testHub)
	srv := node.Start()
	t.Cleanup(srv.Close)
	client, err := ledger.Dial(context.Background(), ledger.Config{URL: srv.URL, PackageID: testPkg, OrderHubID: testHub, PageSize: 2})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(client.Close)
	return node, client
}

func sampleOrder(id string, status int) models.ChainOrderRecord {
	return models.ChainOrderRecord{
		OrderID:    id,
		User:       "0x1111111111111111111111111111111111111111",
		Companion:  "0x2222222222222222222222222222222222222222",
		Status:     status,
		RuleSetID:  3,
		ServiceFee: 1_500_000,
		Deposit:    9_000_000,
		CreatedAt:  1_700_000_000_000,
	}
}

func TestGetOrderDecodesFixedWidthFields(t *testing.T) {
	node, client := startNode(t)
	node.PutOrder(sampleOrder("42", models.ChainStatusDepositLocked))

	rec, ok, err := client.GetOrder(context.Background(), "42")
	if err != nil || !ok {
		t.Fatalf("get order: ok=%v err=%v", ok, err)
	}
	want := sampleOrder("42", models.ChainStatusDepositLocked)
	if rec != want {
		t.Fatalf("decoded record mismatch:\n got %+v\nwant %+v", rec, want)
	}

	_, ok, err = client.GetOrder(context.Background(), "43")
	if err != nil || ok {
		t.Fatalf("expected not found without error, ok=%v err=%v", ok, err)
	}
	if _, _, err := client.GetOrder(context.Background(), "not-a-number"); err == nil {
		t.Fatal("expected invalid order id error")
	}
}

func TestListOrdersPagesThroughEvents(t *testing.T) {
	node, client := startNode(t)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		rec := sampleOrder(id, models.ChainStatusCreated)
		rec.Digest = "0xd" + id
		node.PutOrder(rec)
	}
	node.SetStatus("3", models.ChainStatusPaid)

	orders, err := client.ListOrders(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 5 {
		t.Fatalf("expected 5 orders across pages, got %d", len(orders))
	}
	if orders[2].OrderID != "3" || orders[2].Status != models.ChainStatusPaid || orders[2].Digest != "0xd3" {
		t.Fatalf("expected live status and creation digest, got %+v", orders[2])
	}
	if node.Calls("queryEvents") != 3 {
		t.Fatalf("expected 3 pages at size 2, got %d", node.Calls("queryEvents"))
	}
}

func TestListOrdersRefusesTruncatedScan(t *testing.T) {
	node := ledgertest.New(testPkg, testHub)
	srv := node.Start()
	t.Cleanup(srv.Close)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		node.PutOrder(sampleOrder(id, models.ChainStatusCreated))
	}
	dial := func(maxPages int) *ledger.Client {
		client, err := ledger.Dial(context.Background(), ledger.Config{URL: srv.URL, PackageID: testPkg, OrderHubID: testHub, PageSize: 2, MaxPages: maxPages})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(client.Close)
		return client
	}

	if _, err := dial(2).ListOrders(context.Background()); !errors.Is(err, ledger.ErrSnapshotTruncated) {
		t.Fatalf("expected ErrSnapshotTruncated, got %v", err)
	}
	orders, err := dial(3).ListOrders(context.Background())
	if err != nil || len(orders) != 5 {
		t.Fatalf("exact page budget should succeed, got %d err=%v", len(orders), err)
	}
}

func TestListOrdersPropagatesNodeFailure(t *testing.T) {
	node, client := startNode(t)
	node.PutOrder(sampleOrder("1", 0))
	node.FailWith(errors.New("node unavailable"))
	if _, err := client.ListOrders(context.Background()); err == nil || !strings.Contains(err.Error(), "node unavailable") {
		t.Fatalf("expected node error, got %v", err)
	}
}

func TestTransactionEventsReconstructOrder(t *testing.T) {
	node, client := startNode(t)
	rec := sampleOrder("7", 0)
	rec.Companion = ""
	node.SetTransactionEvents("0xabc", []ledger.Event{
		ledgertest.OrderCreatedEvent(testPkg, rec, "0xabc", 0),
		ledgertest.OrderUpdatedEvent(testPkg, "7", models.ChainStatusPaid, "0xabc", 1),
		ledgertest.OrderUpdatedEvent(testPkg, "8", models.ChainStatusCancelled, "0xabc", 2),
	})

	events, err := client.TransactionEvents(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	partial, ok := ledger.OrderFromEvents(testPkg, "7", "0xabc", events)
	if !ok {
		t.Fatal("expected order 7 in events")
	}
	if partial.Status == nil || *partial.Status != models.ChainStatusPaid {
		t.Fatalf("expected last status to win, got %+v", partial.Status)
	}
	if partial.Companion != nil {
		t.Fatalf("companion absent from events must stay nil")
	}
	if partial.ServiceFee == nil || *partial.ServiceFee != rec.ServiceFee {
		t.Fatalf("unexpected fee %+v", partial.ServiceFee)
	}
	if _, ok := ledger.OrderFromEvents(testPkg, "9", "0xabc", events); ok {
		t.Fatal("order 9 is not in the transaction")
	}
	if _, err := client.TransactionEvents(context.Background(), "0xmissing"); err == nil {
		t.Fatal("expected unknown digest error")
	}
}

func TestExecuteTransactionRequiresBothSignatures(t *testing.T) {
	node, client := startNode(t)
	userKey, _ := crypto.GenerateKey()
	sponsorKey, _ := crypto.GenerateKey()
	tx := ledger.TransactionData{
		Kind:   ledger.TransactionKind{Commands: []ledger.Command{ledger.OrderHubCall(testPkg, testHub, ledger.EntryClaimOrder, 9)}},
		Sender: ledger.AddressOf(userKey),
		Gas:    ledger.GasData{Owner: ledger.AddressOf(sponsorKey), Budget: 10, Price: 1000},
	}
	raw, err := ledger.EncodeTransaction(tx)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	userSig, _ := ledger.SignTransaction(userKey, raw)
	sponsorSig, _ := ledger.SignTransaction(sponsorKey, raw)

	if _, err := client.ExecuteTransaction(context.Background(), raw, []string{userSig}); err == nil {
		t.Fatal("expected rejection without sponsor signature")
	}
	resp, err := client.ExecuteTransaction(context.Background(), raw, []string{userSig, sponsorSig})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Digest != ledger.TxDigestHex(raw) || !resp.Effects.Status.OK() {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := node.Executed(); len(got) != 1 || got[0].Tx.Gas.Budget != 10 {
		t.Fatalf("unexpected executed set %+v", got)
	}

	price, err := client.ReferenceGasPrice(context.Background())
	if err != nil || price != 1000 {
		t.Fatalf("gas price: %d %v", price, err)
	}
}

func TestDialValidatesConfig(t *testing.T) {
	if _, err := ledger.Dial(context.Background(), ledger.Config{}); err == nil {
		t.Fatal("expected url error")
	}
	if _, err := ledger.Dial(context.Background(), ledger.Config{URL: "http://127.0.0.1:1"}); err == nil {
		t.Fatal("expected package id error")
	}
}
