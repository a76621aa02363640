package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cellbench/cellbench/util"
	"golang.org/x/crypto/blake2b"
)

const (
	HashLength      = 32
	OutPointLength  = HashLength + 4
	AccountIDLength = HashLength
)

type (
	// Hash is the chain's native blake2b-256 digest. Used for block hashes and transaction ids
	Hash [HashLength]byte

	// OutPoint identifies a cell as the output of a transaction at a specific index
	OutPoint struct {
		TxID  Hash
		Index uint32
	}

	// AccountID is the digest of the account's lock descriptor. A cell belongs
	// to exactly one account
	AccountID [AccountIDLength]byte

	CellStatus byte

	// Cell is the UTXO-equivalent primitive tracked by the bench
	Cell struct {
		OutPoint OutPoint
		Capacity uint64
		Account  AccountID
		Status   CellStatus
	}

	// LockScheme is a closed enum: the bench signs under exactly these two schemes
	LockScheme byte

	// Account is one spendable identity with a fixed signing scheme.
	// Immutable after startup
	Account struct {
		ID         AccountID
		Scheme     LockScheme
		LockArgs   []byte
		PrivateKey []byte
		Weight     int
	}

	// Cursor is the synchronized chain position. Monotonic except on rollback
	Cursor struct {
		Height uint64
		Hash   Hash
	}
)

const (
	CellStatusLive = CellStatus(iota)
	CellStatusReserved
	CellStatusSpent
)

const (
	// LockSighashBlake160 signs the native blake2b sighash digest
	LockSighashBlake160 = LockScheme(iota)
	// LockKeccakAcpl frames the digest the Ethereum personal-message way,
	// verifiable by an Ethereum-compatible lock predicate
	LockKeccakAcpl
)

const (
	LockSighashBlake160Name = "sighash_blake160"
	LockKeccakAcplName      = "keccak_acpl"
)

func HashData(data ...[]byte) (ret Hash) {
	h, err := blake2b.New256(nil)
	util.AssertNoError(err)
	for _, d := range data {
		h.Write(d)
	}
	copy(ret[:], h.Sum(nil))
	return
}

func HashFromBytes(data []byte) (ret Hash, err error) {
	if len(data) != HashLength {
		err = errors.New("HashFromBytes: wrong data length")
		return
	}
	copy(ret[:], data)
	return
}

func HashFromHexString(str string) (ret Hash, err error) {
	var data []byte
	if data, err = hex.DecodeString(str); err != nil {
		return
	}
	ret, err = HashFromBytes(data)
	return
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Short() string {
	return hex.EncodeToString(h[:4]) + ".."
}

func NewOutPoint(txid Hash, index uint32) OutPoint {
	return OutPoint{TxID: txid, Index: index}
}

func (o OutPoint) Bytes() []byte {
	ret := make([]byte, OutPointLength)
	copy(ret[:HashLength], o.TxID[:])
	binary.BigEndian.PutUint32(ret[HashLength:], o.Index)
	return ret
}

func OutPointFromBytes(data []byte) (ret OutPoint, err error) {
	if len(data) != OutPointLength {
		err = errors.New("OutPointFromBytes: wrong data length")
		return
	}
	copy(ret.TxID[:], data[:HashLength])
	ret.Index = binary.BigEndian.Uint32(data[HashLength:])
	return
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s[%d]", o.TxID.Short(), o.Index)
}

// Less orders out points lexicographically, used for deterministic iteration
func (o OutPoint) Less(other OutPoint) bool {
	if c := bytes.Compare(o.TxID[:], other.TxID[:]); c != 0 {
		return c < 0
	}
	return o.Index < other.Index
}

func (a AccountID) String() string {
	return hex.EncodeToString(a[:])
}

func (a AccountID) Short() string {
	return hex.EncodeToString(a[:4]) + ".."
}

func AccountIDFromBytes(data []byte) (ret AccountID, err error) {
	if len(data) != AccountIDLength {
		err = errors.New("AccountIDFromBytes: wrong data length")
		return
	}
	copy(ret[:], data)
	return
}

// MakeAccountID derives the account id from the lock descriptor
func MakeAccountID(scheme LockScheme, lockArgs []byte) AccountID {
	return AccountID(HashData([]byte{byte(scheme)}, lockArgs))
}

func (s CellStatus) String() string {
	switch s {
	case CellStatusLive:
		return "live"
	case CellStatusReserved:
		return "reserved"
	case CellStatusSpent:
		return "spent"
	}
	return fmt.Sprintf("status(%d)", byte(s))
}

func (s LockScheme) String() string {
	switch s {
	case LockSighashBlake160:
		return LockSighashBlake160Name
	case LockKeccakAcpl:
		return LockKeccakAcplName
	}
	return fmt.Sprintf("scheme(%d)", byte(s))
}

func LockSchemeFromName(name string) (LockScheme, error) {
	switch name {
	case LockSighashBlake160Name:
		return LockSighashBlake160, nil
	case LockKeccakAcplName:
		return LockKeccakAcpl, nil
	}
	return 0, fmt.Errorf("unknown lock scheme '%s'", name)
}

// AddCapacity panics on overflow: value creation is a fatal logic error, never clamped
func AddCapacity(a, b uint64) uint64 {
	ret := a + b
	util.Assertf(ret >= a, "capacity overflow: %d + %d", a, b)
	return ret
}

// SubCapacity panics on underflow
func SubCapacity(a, b uint64) uint64 {
	util.Assertf(a >= b, "capacity underflow: %d - %d", a, b)
	return a - b
}
