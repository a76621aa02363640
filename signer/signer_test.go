package signer

import (
	"testing"

	"github.com/cellbench/cellbench/ledger"
	"github.com/cellbench/cellbench/util"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/require"
)

func testSecretKey(n byte) []byte {
	ret := make([]byte, SecretKeyLength)
	ret[SecretKeyLength-1] = n
	return ret
}

func testSkeleton(inputs ...ledger.Cell) *ledger.Skeleton {
	total := uint64(0)
	for _, c := range inputs {
		total += c.Capacity
	}
	return &ledger.Skeleton{
		Inputs: inputs,
		Outputs: []ledger.Output{
			{Capacity: total - 10, Scheme: ledger.LockSighashBlake160, LockArgs: []byte{1}},
		},
		Fee: 10,
	}
}

func TestLockArgsLengths(t *testing.T) {
	r := NewRegistry()

	args, err := r.LockArgs(ledger.LockSighashBlake160, testSecretKey(1))
	require.NoError(t, err)
	require.Len(t, args, 20)

	args, err = r.LockArgs(ledger.LockKeccakAcpl, testSecretKey(1))
	require.NoError(t, err)
	require.Len(t, args, 20)
}

func TestSchemesDeriveDifferentArgs(t *testing.T) {
	r := NewRegistry()
	a, err := r.LockArgs(ledger.LockSighashBlake160, testSecretKey(1))
	require.NoError(t, err)
	b, err := r.LockArgs(ledger.LockKeccakAcpl, testSecretKey(1))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestRejectsBadKeyMaterial(t *testing.T) {
	r := NewRegistry()

	_, err := r.LockArgs(ledger.LockSighashBlake160, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrSigningFailed)
	util.RequireErrorWith(t, err, "must be 32 bytes")

	_, err = r.LockArgs(ledger.LockSighashBlake160, make([]byte, SecretKeyLength))
	require.ErrorIs(t, err, ErrSigningFailed)
	util.RequireErrorWith(t, err, "zero")
}

func TestSignRecoversPublicKey(t *testing.T) {
	r := NewRegistry()
	for _, schemeID := range []ledger.LockScheme{ledger.LockSighashBlake160, ledger.LockKeccakAcpl} {
		account, err := r.NewAccount(schemeID, testSecretKey(7), 1)
		require.NoError(t, err)

		skeleton := testSkeleton(ledger.Cell{
			OutPoint: ledger.NewOutPoint(ledger.HashData([]byte("prev")), 0),
			Capacity: 100,
			Account:  account.ID,
		})
		witness, err := r.Sign(skeleton, 0, account)
		require.NoError(t, err)
		require.Len(t, witness, SignatureLength)

		digest := r.schemes[schemeID].digest(skeleton.ID())
		pub, compressed, err := secpecdsa.RecoverCompact(witness, digest[:])
		require.NoError(t, err)
		require.False(t, compressed)
		expected := secp256k1.PrivKeyFromBytes(testSecretKey(7)).PubKey()
		require.True(t, expected.IsEqual(pub))
	}
}

func TestSchemesSignDifferentDigests(t *testing.T) {
	txID := ledger.HashData([]byte("tx"))
	a := sighashBlake160{}.digest(txID)
	b := keccakAcpl{}.digest(txID)
	require.NotEqual(t, a, b)
}

func TestSignValidatesSkeleton(t *testing.T) {
	r := NewRegistry()
	account, err := r.NewAccount(ledger.LockSighashBlake160, testSecretKey(7), 1)
	require.NoError(t, err)
	other, err := r.NewAccount(ledger.LockSighashBlake160, testSecretKey(8), 1)
	require.NoError(t, err)

	skeleton := testSkeleton(ledger.Cell{
		OutPoint: ledger.NewOutPoint(ledger.HashData([]byte("prev")), 0),
		Capacity: 100,
		Account:  account.ID,
	})

	_, err = r.Sign(skeleton, 1, account)
	require.ErrorIs(t, err, ErrSigningFailed)
	util.RequireErrorWith(t, err, "out of range")

	_, err = r.Sign(skeleton, 0, other)
	require.ErrorIs(t, err, ErrSigningFailed)
	util.RequireErrorWith(t, err, "does not belong")
}

func TestAccountIDBindsSchemeAndArgs(t *testing.T) {
	r := NewRegistry()
	a, err := r.NewAccount(ledger.LockSighashBlake160, testSecretKey(1), 1)
	require.NoError(t, err)
	b, err := r.NewAccount(ledger.LockKeccakAcpl, testSecretKey(1), 1)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	require.EqualValues(t, ledger.MakeAccountID(a.Scheme, a.LockArgs), a.ID)
}
