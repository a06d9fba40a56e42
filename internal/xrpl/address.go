package xrpl

import (
	"bytes"
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// xrplAlphabet is the base58 dictionary used by XRPL addresses; it differs
// from the Bitcoin ordering.
var xrplAlphabet = base58.NewAlphabet("rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz")

// accountIDPrefix is the payload type byte for account addresses.
const accountIDPrefix = 0x00

// IsValidAddress reports whether s is a well-formed classic XRPL account
// address: base58 in the XRPL alphabet, type prefix 0x00, 20-byte account
// ID and a valid double-SHA256 checksum.
func IsValidAddress(s string) bool {
	if len(s) < 25 || len(s) > 35 || s[0] != 'r' {
		return false
	}

	raw, err := base58.DecodeAlphabet(s, xrplAlphabet)
	if err != nil {
		return false
	}
	// prefix + 20-byte account ID + 4-byte checksum
	if len(raw) != 25 || raw[0] != accountIDPrefix {
		return false
	}

	payload := raw[:21]
	checksum := raw[21:]

	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return bytes.Equal(checksum, second[:4])
}
