package ledger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	bin "github.com/gagliardetto/binary"
)

// Command kinds. Only MoveCall is ever sponsored.
const (
	CommandMoveCall        uint8 = 0
	CommandTransferObjects uint8 = 1
	CommandSplitCoins      uint8 = 2
	CommandMergeCoins      uint8 = 3
	CommandPublish         uint8 = 4
)

// Argument kinds.
const (
	ArgPure   uint8 = 0
	ArgObject uint8 = 1
)

const txDataVersion uint8 = 1

var ErrMalformedTx = errors.New("malformed transaction bytes")

type Argument struct {
	Kind     uint8
	ObjectID string
	Pure     []byte
}

type MoveCall struct {
	Package       string
	Module        string
	Function      string
	TypeArguments []string
	Arguments     []Argument
}

// Target returns the fully-qualified function name of the call.
func (m MoveCall) Target() string {
	return Target(m.Package, m.Module, m.Function)
}

// Command is one programmable step. MoveCall is meaningful only when Kind is
// CommandMoveCall; other kinds carry their payload in Raw.
type Command struct {
	Kind     uint8
	MoveCall MoveCall
	Raw      []byte
}

type TransactionKind struct {
	Commands []Command
}

type GasData struct {
	Owner  common.Address
	Budget uint64
	Price  uint64
}

type TransactionData struct {
	Version uint8
	Kind    TransactionKind
	Sender  common.Address
	Gas     GasData
}

func EncodeKind(kind TransactionKind) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := bin.NewBorshEncoder(buf).Encode(kind); err != nil {
		return nil, fmt.Errorf("encode transaction kind: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeKind(raw []byte) (TransactionKind, error) {
	var kind TransactionKind
	if len(raw) == 0 {
		return kind, ErrMalformedTx
	}
	if err := bin.NewBorshDecoder(raw).Decode(&kind); err != nil {
		return TransactionKind{}, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	return kind, nil
}

func EncodeTransaction(tx TransactionData) ([]byte, error) {
	if tx.Version == 0 {
		tx.Version = txDataVersion
	}
	buf := new(bytes.Buffer)
	if err := bin.NewBorshEncoder(buf).Encode(tx); err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeTransaction(raw []byte) (TransactionData, error) {
	var tx TransactionData
	if len(raw) == 0 {
		return tx, ErrMalformedTx
	}
	if err := bin.NewBorshDecoder(raw).Decode(&tx); err != nil {
		return TransactionData{}, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	if tx.Version != txDataVersion {
		return TransactionData{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedTx, tx.Version)
	}
	return tx, nil
}

// PureU64 encodes v as a little-endian pure argument.
func PureU64(v uint64) Argument {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return Argument{Kind: ArgPure, Pure: b}
}

func PureAddress(addr common.Address) Argument {
	return Argument{Kind: ArgPure, Pure: append([]byte(nil), addr.Bytes()...)}
}

func ObjectArg(id string) Argument {
	return Argument{Kind: ArgObject, ObjectID: id}
}

// OrderHubCall builds a call to fn on the shared order hub for orderID.
// Extra pure arguments follow the hub and order id positionally.
func OrderHubCall(pkg, hubID, fn string, orderID uint64, extra ...Argument) Command {
	args := append([]Argument{ObjectArg(hubID), PureU64(orderID)}, extra...)
	return Command{
		Kind: CommandMoveCall,
		MoveCall: MoveCall{
			Package:   pkg,
			Module:    OrderHubModule,
			Function:  fn,
			Arguments: args,
		},
	}
}

// ParseOrderID converts the decimal order key used across the system.
func ParseOrderID(id string) (uint64, error) {
	v, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid order id %q", id)
	}
	return v, nil
}
