package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEvmAddress(t *testing.T) {
	assert.True(t, IsEvmAddress("0x2df1c51e09aecf9cacb7bc98cb1742757f163df7"))
	assert.True(t, IsEvmAddress("0x2DF1C51E09AECF9CACB7BC98CB1742757F163DF7"))

	assert.False(t, IsEvmAddress(""))
	assert.False(t, IsEvmAddress("2df1c51e09aecf9cacb7bc98cb1742757f163df7"))
	assert.False(t, IsEvmAddress("0x2df1c51e09aecf9cacb7bc98cb1742757f163df"))
	assert.False(t, IsEvmAddress("0x2df1c51e09aecf9cacb7bc98cb1742757f163dg7"))
}

func TestIsTxHash(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)
	assert.True(t, IsTxHash(hash))
	assert.False(t, IsTxHash(hash+"00"))
	assert.False(t, IsTxHash("0x"+strings.Repeat("ab", 31)))
	assert.False(t, IsTxHash(strings.Repeat("ab", 33)))
}

func TestIsAtomicAmount(t *testing.T) {
	assert.True(t, IsAtomicAmount("0"))
	assert.True(t, IsAtomicAmount("5200000"))

	assert.False(t, IsAtomicAmount(""))
	assert.False(t, IsAtomicAmount("-1"))
	assert.False(t, IsAtomicAmount("5.10"))
	assert.False(t, IsAtomicAmount("1e6"))
}

func TestNormalizeLowercases(t *testing.T) {
	assert.Equal(t,
		"0x2df1c51e09aecf9cacb7bc98cb1742757f163df7",
		NormalizeAddress("0x2DF1C51E09AECF9CACB7BC98CB1742757F163DF7"))

	hash := "0x" + strings.Repeat("AB", 32)
	assert.Equal(t, "0x"+strings.Repeat("ab", 32), NormalizeTxHash(hash))
}
