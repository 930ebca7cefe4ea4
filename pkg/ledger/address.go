package ledger

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidAddress = errors.New("invalid account address")

// ParseAddress accepts only the canonical 0x-prefixed 40 hex digit form.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, ErrInvalidAddress
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}

// NormalizeAddress lower-cases a valid address and returns "" otherwise.
func NormalizeAddress(s string) string {
	addr, err := ParseAddress(s)
	if err != nil {
		return ""
	}
	return strings.ToLower(addr.Hex())
}

// SameAddress compares two addresses by value, ignoring checksum casing.
func SameAddress(a, b string) bool {
	na, nb := NormalizeAddress(a), NormalizeAddress(b)
	return na != "" && na == nb
}
