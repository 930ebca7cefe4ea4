package ledger

import (
	"crypto/ecdsa"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
)

const txIntentPrefix = "TransactionData::"

var ErrInvalidSignature = errors.New("invalid transaction signature")

// TxDigest is the signing and identification hash of encoded transaction data.
func TxDigest(txBytes []byte) [32]byte {
	msg := make([]byte, 0, len(txIntentPrefix)+len(txBytes))
	msg = append(msg, txIntentPrefix...)
	msg = append(msg, txBytes...)
	return blake2b.Sum256(msg)
}

func TxDigestHex(txBytes []byte) string {
	d := TxDigest(txBytes)
	return hexutil.Encode(d[:])
}

// SignTransaction returns the hex encoded 65-byte [R||S||V] signature.
func SignTransaction(key *ecdsa.PrivateKey, txBytes []byte) (string, error) {
	d := TxDigest(txBytes)
	sig, err := crypto.Sign(d[:], key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// RecoverTransactionSigner returns the address whose key produced sig over txBytes.
func RecoverTransactionSigner(txBytes []byte, sig string) (common.Address, error) {
	raw, err := DecodeSignature(sig)
	if err != nil {
		return common.Address{}, err
	}
	d := TxDigest(txBytes)
	pub, err := crypto.SigToPub(d[:], raw)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// DecodeSignature parses a hex signature and normalizes V to 0/1.
func DecodeSignature(sig string) ([]byte, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(sig))
	if err != nil || len(raw) != crypto.SignatureLength {
		return nil, ErrInvalidSignature
	}
	if raw[crypto.RecoveryIDOffset] >= 27 {
		raw[crypto.RecoveryIDOffset] -= 27
	}
	if raw[crypto.RecoveryIDOffset] > 1 {
		return nil, ErrInvalidSignature
	}
	return raw, nil
}

// LoadPrivateKey parses a hex secp256k1 key with or without 0x.
func LoadPrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, errors.New("private key required")
	}
	return crypto.HexToECDSA(raw)
}

func AddressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
