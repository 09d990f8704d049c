package account_test

import (
	"testing"

	"github.com/AlpacaTunnel/alpaca-proxy/pkg/account"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	var seed [32]byte
	copy(seed[:], []byte("0123456789abcdef0123456789abcdef"))

	key, err := account.Derive(seed, 0)
	require.NoError(t, err)

	encoded := account.Encode(key.Public)
	assert.True(t, len(encoded) == len(account.PrefixNano)+52+8)

	decoded, err := account.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, key.Public, decoded)
}

func TestTamperedAccountFailsChecksum(t *testing.T) {
	var seed [32]byte
	copy(seed[:], []byte("seed-for-tamper-test-000000000000"))

	key, err := account.Derive(seed, 1)
	require.NoError(t, err)

	encoded := account.Encode(key.Public)
	tampered := []byte(encoded)
	// Flip one character well inside the body, not the prefix.
	idx := len(account.PrefixNano) + 10
	if tampered[idx] == 'a' {
		tampered[idx] = 'b'
	} else {
		tampered[idx] = 'a'
	}

	_, err = account.Decode(string(tampered))
	assert.Error(t, err)
}

func TestDeriveIsDeterministic(t *testing.T) {
	var seed [32]byte
	copy(seed[:], []byte("deterministic-seed-0000000000000"))

	k1, err := account.Derive(seed, 5)
	require.NoError(t, err)
	k2, err := account.Derive(seed, 5)
	require.NoError(t, err)
	assert.Equal(t, k1.Public, k2.Public)

	k3, err := account.Derive(seed, 6)
	require.NoError(t, err)
	assert.NotEqual(t, k1.Public, k3.Public)
}

func TestSignVerify(t *testing.T) {
	var seed [32]byte
	copy(seed[:], []byte("sign-verify-seed-00000000000000"))

	key, err := account.Derive(seed, 0)
	require.NoError(t, err)

	msg := []byte("1700000000-message-to-sign")
	sig := account.Sign(key.Private, msg)

	assert.True(t, account.Verify(key.Public, msg, sig))
	assert.False(t, account.Verify(key.Public, []byte("tampered"), sig))

	other, err := account.Derive(seed, 1)
	require.NoError(t, err)
	assert.False(t, account.Verify(other.Public, msg, sig))
}

func TestDecodeRejectsUnknownPrefix(t *testing.T) {
	_, err := account.Decode("btc_notanaccount")
	assert.Error(t, err)
}
