// Package signer produces witnesses for transaction skeletons. The scheme set
// is closed: two variants sharing the same recoverable secp256k1 signature
// primitive and differing only in message-hash construction.
package signer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cellbench/cellbench/ledger"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

var ErrSigningFailed = errors.New("signing failed")

const (
	SecretKeyLength = 32
	// SignatureLength is a recoverable signature: recovery code + r + s
	SignatureLength = 65

	ethPersonalMessagePrefix = "\x19Ethereum Signed Message:\n32"
)

type (
	// scheme is the per-variant part: how the signed digest is built and how
	// lock args are derived from a public key
	scheme interface {
		digest(txID ledger.Hash) [32]byte
		lockArgs(pub *secp256k1.PublicKey) []byte
	}

	sighashBlake160 struct{}
	keccakAcpl      struct{}

	Registry struct {
		schemes map[ledger.LockScheme]scheme
	}
)

func NewRegistry() *Registry {
	return &Registry{
		schemes: map[ledger.LockScheme]scheme{
			ledger.LockSighashBlake160: sighashBlake160{},
			ledger.LockKeccakAcpl:      keccakAcpl{},
		},
	}
}

// digestMaterial commits to the transaction id and a blank witness of the
// final signature size, so the witness slot itself is covered
func digestMaterial(txID ledger.Hash) []byte {
	blank := make([]byte, SignatureLength)
	var lenBin [8]byte
	binary.LittleEndian.PutUint64(lenBin[:], uint64(len(blank)))

	ret := make([]byte, 0, len(txID)+len(lenBin)+len(blank))
	ret = append(ret, txID[:]...)
	ret = append(ret, lenBin[:]...)
	ret = append(ret, blank...)
	return ret
}

func (sighashBlake160) digest(txID ledger.Hash) [32]byte {
	return blake2b.Sum256(digestMaterial(txID))
}

func (sighashBlake160) lockArgs(pub *secp256k1.PublicKey) []byte {
	h := blake2b.Sum256(pub.SerializeCompressed())
	return h[:20]
}

func keccak256(data ...[]byte) (ret [32]byte) {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	copy(ret[:], h.Sum(nil))
	return
}

func (keccakAcpl) digest(txID ledger.Hash) [32]byte {
	inner := keccak256(digestMaterial(txID))
	return keccak256([]byte(ethPersonalMessagePrefix), inner[:])
}

func (keccakAcpl) lockArgs(pub *secp256k1.PublicKey) []byte {
	h := keccak256(pub.SerializeUncompressed()[1:])
	return h[12:]
}

func (r *Registry) scheme(id ledger.LockScheme) (scheme, error) {
	s, ok := r.schemes[id]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported lock scheme %s", ErrSigningFailed, id)
	}
	return s, nil
}

func parseSecretKey(secretKey []byte) (*secp256k1.PrivateKey, error) {
	if len(secretKey) != SecretKeyLength {
		return nil, fmt.Errorf("%w: secret key must be %d bytes, got %d", ErrSigningFailed, SecretKeyLength, len(secretKey))
	}
	sk := secp256k1.PrivKeyFromBytes(secretKey)
	if sk.Key.IsZero() {
		return nil, fmt.Errorf("%w: secret key is zero", ErrSigningFailed)
	}
	return sk, nil
}

// LockArgs derives the lock script args of the scheme for the secret key
func (r *Registry) LockArgs(id ledger.LockScheme, secretKey []byte) ([]byte, error) {
	s, err := r.scheme(id)
	if err != nil {
		return nil, err
	}
	sk, err := parseSecretKey(secretKey)
	if err != nil {
		return nil, err
	}
	return s.lockArgs(sk.PubKey()), nil
}

// NewAccount validates the key material and derives the account identity
func (r *Registry) NewAccount(id ledger.LockScheme, secretKey []byte, weight int) (*ledger.Account, error) {
	args, err := r.LockArgs(id, secretKey)
	if err != nil {
		return nil, err
	}
	return &ledger.Account{
		ID:         ledger.MakeAccountID(id, args),
		Scheme:     id,
		LockArgs:   args,
		PrivateKey: secretKey,
		Weight:     weight,
	}, nil
}

// Sign produces the witness for one input of the skeleton. No side effects:
// nondeterminism is confined to the signature nonce, never the signed digest
func (r *Registry) Sign(skeleton *ledger.Skeleton, inputIndex int, account *ledger.Account) ([]byte, error) {
	if inputIndex < 0 || inputIndex >= len(skeleton.Inputs) {
		return nil, fmt.Errorf("%w: input index %d out of range [0..%d)", ErrSigningFailed, inputIndex, len(skeleton.Inputs))
	}
	if skeleton.Inputs[inputIndex].Account != account.ID {
		return nil, fmt.Errorf("%w: input #%d does not belong to account %s", ErrSigningFailed, inputIndex, account.ID.Short())
	}
	s, err := r.scheme(account.Scheme)
	if err != nil {
		return nil, err
	}
	sk, err := parseSecretKey(account.PrivateKey)
	if err != nil {
		return nil, err
	}
	digest := s.digest(skeleton.ID())
	return secpecdsa.SignCompact(sk, digest[:], false), nil
}
