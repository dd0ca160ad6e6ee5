package utils

import (
	"regexp"
	"strings"
)

var (
	evmAddressPattern = regexp.MustCompile("^0x[0-9a-fA-F]{40}$")
	txHashPattern     = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	amountPattern     = regexp.MustCompile("^[0-9]+$")
)

// IsEvmAddress checks whether address is a 20-byte 0x-prefixed EVM address.
func IsEvmAddress(address string) bool {
	return evmAddressPattern.MatchString(address)
}

// IsTxHash checks whether hash is a 32-byte 0x-prefixed transaction hash.
func IsTxHash(hash string) bool {
	return txHashPattern.MatchString(hash)
}

// IsAtomicAmount checks whether amount is a non-negative integer string.
// Amounts are carried as strings in atomic units to avoid float rounding.
func IsAtomicAmount(amount string) bool {
	return amountPattern.MatchString(amount)
}

// NormalizeAddress lower-cases an EVM address so records and indexes compare
// byte-for-byte regardless of checksum casing in the input.
func NormalizeAddress(address string) string {
	return strings.ToLower(address)
}

// NormalizeTxHash lower-cases a transaction hash for use as an idempotency key.
func NormalizeTxHash(hash string) string {
	return strings.ToLower(hash)
}
