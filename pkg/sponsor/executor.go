// Package sponsor builds and co-signs fee-sponsored transactions. Only calls
// to the order hub's lifecycle entry points are ever paid for, and that is
// checked again at execution whatever the client did between phases.
package sponsor

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"ledgersync/pkg/ledger"
	"ledgersync/pkg/models"
	"ledgersync/pkg/telemetry"
)

// DefaultGasBudget is the fee ceiling in ledger fee units.
const DefaultGasBudget uint64 = 50_000_000

const (
	PhaseBuild   = "build"
	PhaseExecute = "execute"
)

// Node is the ledger surface the executor needs. *ledger.Client satisfies it.
type Node interface {
	ExecuteTransaction(ctx context.Context, txBytes []byte, signatures []string) (ledger.ExecuteResponse, error)
	ReferenceGasPrice(ctx context.Context) (uint64, error)
	PackageID() string
}

type Observer interface {
	IncSponsor(phase, outcome string)
}

type Config struct {
	Key *ecdsa.PrivateKey
	// GasBudget is stamped on built transactions; MaxGasBudget is the ceiling
	// Execute enforces. Both default to DefaultGasBudget.
	GasBudget    uint64
	MaxGasBudget uint64
	Observer     Observer
}

type ExecuteResult struct {
	Digest string `json:"digest"`
}

type Executor struct {
	node      Node
	key       *ecdsa.PrivateKey
	sponsor   common.Address
	budget    uint64
	ceiling   uint64
	allowlist map[string]struct{}
	observer  Observer
}

func New(node Node, cfg Config) (*Executor, error) {
	if node == nil {
		return nil, errors.New("sponsor: ledger node required")
	}
	if cfg.Key == nil {
		return nil, errors.New("sponsor: private key required")
	}
	pkg := strings.TrimSpace(node.PackageID())
	if pkg == "" {
		return nil, errors.New("sponsor: order hub package id required")
	}
	e := &Executor{
		node:      node,
		key:       cfg.Key,
		sponsor:   ledger.AddressOf(cfg.Key),
		budget:    cfg.GasBudget,
		ceiling:   cfg.MaxGasBudget,
		allowlist: ledger.AllowedTargets(pkg),
		observer:  cfg.Observer,
	}
	if e.ceiling == 0 {
		e.ceiling = DefaultGasBudget
	}
	if e.budget == 0 {
		e.budget = e.ceiling
	}
	if e.budget > e.ceiling {
		return nil, fmt.Errorf("sponsor: gas budget %d exceeds ceiling %d", e.budget, e.ceiling)
	}
	return e, nil
}

// Sponsor is the fee-paying address.
func (e *Executor) Sponsor() common.Address { return e.sponsor }

func (e *Executor) GasBudget() uint64 { return e.budget }

// Build validates kindBytes, stamps sender and sponsor gas data, and returns
// the unsigned transaction bytes (base64).
func (e *Executor) Build(ctx context.Context, sender string, kindBytes []byte) (res models.SponsoredTxResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "sponsor.build")
	defer func() {
		e.record(PhaseBuild, err)
		telemetry.EndSpan(span, err)
	}()

	addr, err := ledger.ParseAddress(sender)
	if err != nil || addr == (common.Address{}) {
		return res, reject(CodeInvalidSender, "sender %q is not a valid account address", sender)
	}
	kind, err := ledger.DecodeKind(kindBytes)
	if err != nil {
		return res, reject(CodeInvalidTransaction, "%v", err)
	}
	if err := e.validate(addr, kind); err != nil {
		return res, err
	}
	price, err := e.node.ReferenceGasPrice(ctx)
	if err != nil {
		return res, fmt.Errorf("sponsor build: %w", err)
	}
	raw, err := ledger.EncodeTransaction(ledger.TransactionData{
		Kind:   kind,
		Sender: addr,
		Gas:    ledger.GasData{Owner: e.sponsor, Budget: e.budget, Price: price},
	})
	if err != nil {
		return res, err
	}
	span.SetAttributes(attribute.Int("sponsor.commands", len(kind.Commands)))
	return models.SponsoredTxResult{
		Bytes:     base64.StdEncoding.EncodeToString(raw),
		Sponsor:   e.sponsor.Hex(),
		Sender:    addr.Hex(),
		GasBudget: e.budget,
	}, nil
}

// Execute re-validates txBytes, checks the user's signature, co-signs and
// submits both signatures.
func (e *Executor) Execute(ctx context.Context, txBytes []byte, userSignature string) (res ExecuteResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "sponsor.execute")
	defer func() {
		e.record(PhaseExecute, err)
		telemetry.EndSpan(span, err)
	}()

	tx, err := ledger.DecodeTransaction(txBytes)
	if err != nil {
		return res, reject(CodeInvalidTransaction, "%v", err)
	}
	if err := e.validate(tx.Sender, tx.Kind); err != nil {
		return res, err
	}
	if tx.Gas.Owner != e.sponsor {
		return res, reject(CodeGasOwnerMismatch, "gas owner %s is not the sponsor", tx.Gas.Owner.Hex())
	}
	if tx.Gas.Budget > e.ceiling {
		return res, reject(CodeGasBudgetExceeded, "gas budget %d exceeds ceiling %d", tx.Gas.Budget, e.ceiling)
	}
	signer, err := ledger.RecoverTransactionSigner(txBytes, userSignature)
	if err != nil || signer != tx.Sender {
		return res, reject(CodeInvalidUserSignature, "user signature does not recover sender %s", tx.Sender.Hex())
	}
	sponsorSig, err := ledger.SignTransaction(e.key, txBytes)
	if err != nil {
		return res, fmt.Errorf("sponsor sign: %w", err)
	}
	out, err := e.node.ExecuteTransaction(ctx, txBytes, []string{strings.TrimSpace(userSignature), sponsorSig})
	if err != nil {
		return res, fmt.Errorf("sponsor execute: %w", err)
	}
	span.SetAttributes(attribute.String("ledger.digest", out.Digest))
	if !out.Effects.Status.OK() {
		return res, &LedgerExecutionError{Digest: out.Digest, LedgerError: out.Effects.Status.Error}
	}
	return ExecuteResult{Digest: out.Digest}, nil
}

// validate is shared by both phases.
func (e *Executor) validate(sender common.Address, kind ledger.TransactionKind) error {
	if sender == (common.Address{}) {
		return reject(CodeInvalidSender, "sender is not set")
	}
	if len(kind.Commands) == 0 {
		return reject(CodeCommandNotAllowed, "transaction has no commands")
	}
	for i, cmd := range kind.Commands {
		if cmd.Kind != ledger.CommandMoveCall {
			return reject(CodeCommandNotAllowed, "command %d has kind %d; only entry point calls are sponsored", i, cmd.Kind)
		}
		target := cmd.MoveCall.Target()
		if _, ok := e.allowlist[target]; !ok {
			return reject(CodeTargetNotAllowed, "command %d targets %s", i, target)
		}
	}
	return nil
}

func (e *Executor) record(phase string, err error) {
	if e.observer == nil {
		return
	}
	e.observer.IncSponsor(phase, Outcome(err))
}

// Outcome labels err for metrics and audit: "ok", a rejection code, or
// "error".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var rej *Error
	if errors.As(err, &rej) {
		return rej.Code
	}
	var lee *LedgerExecutionError
	if errors.As(err, &lee) {
		return CodeLedgerExecution
	}
	return "error"
}
