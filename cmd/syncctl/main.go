package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"ledgersync/pkg/auth"
	"ledgersync/pkg/ledger"
	"ledgersync/pkg/reconcile"
	"ledgersync/pkg/syncclient"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Testable variables for main()
var (
	osExit = os.Exit
	nowFn  = time.Now
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "sign-request":
		return signRequest(args[1:], out)
	case "encode-kind":
		return encodeKind(args[1:], out)
	case "sign-tx":
		return signTx(args[1:], out)
	case "chain-sync":
		return chainSync(args[1:], out)
	case "reconcile":
		return reconcileCmd(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "syncctl commands:")
	fmt.Fprintln(out, "  gen-key --out private.key")
	fmt.Fprintln(out, "  sign-request --key private.key --intent orders:chain-sync:42 [--body body.json --protect]")
	fmt.Fprintln(out, "  encode-kind --package 0x.. --hub 0x.. --fn pay_service_fee --order 42")
	fmt.Fprintln(out, "  sign-tx --key private.key --bytes <base64 tx bytes>")
	fmt.Fprintln(out, "  chain-sync --url http://syncd:8080 --order 42 [--key private.key | --token $ADMIN_TOKEN] [--force --max-wait-ms 0 --digest 0x..]")
	fmt.Fprintln(out, "  reconcile --url http://syncd:8080 --token $ADMIN_TOKEN [--detailed --refresh --queue]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPriv := fs.String("out", "private.key", "private key output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	raw := hexutil.Encode(crypto.FromECDSA(key))
	if err := os.WriteFile(*outPriv, []byte(raw), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\naddress %s\n", *outPriv, ledger.AddressOf(key).Hex())
	return nil
}

func readKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("key required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	key, err := ledger.LoadPrivateKey(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return key, nil
}

// signRequest prints the auth headers for one request, one per line, in the
// form curl -H accepts.
func signRequest(args []string, out io.Writer) error {
	fs := newFlagSet("sign-request")
	keyPath := fs.String("key", "", "hex private key file")
	intent := fs.String("intent", "", "request intent, e.g. sponsor:build")
	bodyPath := fs.String("body", "", "request body file")
	protect := fs.Bool("protect", false, "bind the body hash into the signature")
	asJSON := fs.Bool("json", false, "print headers as a JSON object")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*intent) == "" {
		return errors.New("intent required")
	}
	key, err := readKey(*keyPath)
	if err != nil {
		return err
	}
	var body []byte
	if *bodyPath != "" {
		if body, err = os.ReadFile(*bodyPath); err != nil {
			return fmt.Errorf("read body: %w", err)
		}
	}
	if *protect && len(body) == 0 {
		return errors.New("--protect needs --body")
	}
	headers, err := auth.SignRequest(key, *intent, body, *protect, nowFn())
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	flat := make(map[string]string, len(headers))
	for k := range headers {
		flat[strings.ToLower(k)] = headers.Get(k)
	}
	if *asJSON {
		return printJSON(out, flat)
	}
	names := make([]string, 0, len(flat))
	for k := range flat {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(out, "%s: %s\n", k, flat[k])
	}
	return nil
}

func encodeKind(args []string, out io.Writer) error {
	fs := newFlagSet("encode-kind")
	pkg := fs.String("package", os.Getenv("LEDGER_PACKAGE_ID"), "order hub package id")
	hub := fs.String("hub", os.Getenv("LEDGER_ORDER_HUB_ID"), "order hub object id")
	fn := fs.String("fn", "", "entry point")
	order := fs.String("order", "", "decimal order id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pkg == "" || *hub == "" {
		return errors.New("package and hub required")
	}
	if !ledger.IsEntryPoint(*fn) {
		return fmt.Errorf("unknown entry point %q (want one of %s)", *fn, strings.Join(ledger.EntryPoints[:], ", "))
	}
	id, err := ledger.ParseOrderID(*order)
	if err != nil {
		return err
	}
	raw, err := ledger.EncodeKind(ledger.TransactionKind{
		Commands: []ledger.Command{ledger.OrderHubCall(*pkg, *hub, *fn, id)},
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, base64.StdEncoding.EncodeToString(raw))
	return nil
}

// signTx produces the user signature over sponsored transaction bytes
// returned by the build endpoint.
func signTx(args []string, out io.Writer) error {
	fs := newFlagSet("sign-tx")
	keyPath := fs.String("key", "", "hex private key file")
	txB64 := fs.String("bytes", "", "base64 transaction bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := readKey(*keyPath)
	if err != nil {
		return err
	}
	txBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(*txB64))
	if err != nil || len(txBytes) == 0 {
		return errors.New("bytes must be non-empty base64")
	}
	tx, err := ledger.DecodeTransaction(txBytes)
	if err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	if tx.Sender != ledger.AddressOf(key) {
		return fmt.Errorf("key %s is not the transaction sender %s", ledger.AddressOf(key).Hex(), tx.Sender.Hex())
	}
	sig, err := ledger.SignTransaction(key, txBytes)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, sig)
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func chainSync(args []string, out io.Writer) error {
	fs := newFlagSet("chain-sync")
	baseURL := fs.String("url", os.Getenv("SYNCD_URL"), "syncd public URL")
	order := fs.String("order", "", "decimal order id")
	keyPath := fs.String("key", "", "participant private key file")
	token := fs.String("token", os.Getenv("ADMIN_TOKEN"), "admin bearer token")
	force := fs.Bool("force", false, "read the ledger node directly")
	maxWait := fs.Int64("max-wait-ms", -1, "indexer wait budget; 0 disables waiting")
	digest := fs.String("digest", "", "creation transaction digest")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *baseURL == "" {
		return errors.New("url required")
	}
	if _, err := ledger.ParseOrderID(*order); err != nil {
		return err
	}
	c := syncclient.New(*baseURL, *timeout)
	c.AuthToken = *token
	if *keyPath != "" {
		key, err := readKey(*keyPath)
		if err != nil {
			return err
		}
		c.Key = key
	}
	opts := syncclient.ChainSyncOptions{Force: *force, Digest: *digest}
	if *maxWait >= 0 {
		opts.MaxWaitMs = maxWait
	}
	res, err := c.ChainSync(context.Background(), *order, opts)
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

func reconcileCmd(args []string, out io.Writer) error {
	fs := newFlagSet("reconcile")
	baseURL := fs.String("url", os.Getenv("SYNCD_URL"), "syncd public URL")
	token := fs.String("token", os.Getenv("ADMIN_TOKEN"), "bearer token")
	detailed := fs.Bool("detailed", false, "list discrepancies")
	refresh := fs.Bool("refresh", false, "force a ledger refresh first")
	queue := fs.Bool("queue", false, "queue discrepancies for manual review")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *baseURL == "" {
		return errors.New("url required")
	}
	c := syncclient.New(*baseURL, 0)
	c.AuthToken = *token
	ctx := context.Background()
	if *queue {
		res, err := c.QueueReview(ctx, *refresh)
		if err != nil {
			return err
		}
		return printJSON(out, res)
	}
	rep, err := c.Reconcile(ctx, reconcile.Options{ForceRefresh: *refresh, Detailed: *detailed})
	if err != nil {
		return err
	}
	return printJSON(out, rep)
}
