package ledger

import (
	"bytes"
	"encoding/binary"

	"github.com/cellbench/cellbench/util"
)

type (
	// CellDep points at a code cell the lock predicate of an input requires
	CellDep struct {
		OutPoint OutPoint
		DepGroup bool
	}

	// Output is one produced cell: capacity plus the recipient lock descriptor
	Output struct {
		Capacity uint64
		Scheme   LockScheme
		LockArgs []byte
	}

	// Skeleton is an unsigned transaction: ordered consumed cells and outputs,
	// ready for signing. Input capacities ride along for the balance invariant
	Skeleton struct {
		Inputs   []Cell
		Outputs  []Output
		Fee      uint64
		CellDeps []CellDep
	}

	// Transaction is a skeleton with one witness per input
	Transaction struct {
		Skeleton
		Witnesses [][]byte
	}
)

func (o Output) AccountID() AccountID {
	return MakeAccountID(o.Scheme, o.LockArgs)
}

// Bytes is the canonical serialization the transaction id commits to.
// Witnesses are deliberately excluded, as usual for recoverable-signature chains
func (s *Skeleton) Bytes() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(s.Inputs)))
	for i := range s.Inputs {
		buf.Write(s.Inputs[i].OutPoint.Bytes())
	}
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(s.Outputs)))
	for i := range s.Outputs {
		_ = binary.Write(&buf, binary.BigEndian, s.Outputs[i].Capacity)
		buf.WriteByte(byte(s.Outputs[i].Scheme))
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(s.Outputs[i].LockArgs)))
		buf.Write(s.Outputs[i].LockArgs)
	}
	_ = binary.Write(&buf, binary.BigEndian, s.Fee)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(s.CellDeps)))
	for i := range s.CellDeps {
		buf.Write(s.CellDeps[i].OutPoint.Bytes())
		if s.CellDeps[i].DepGroup {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

func (s *Skeleton) ID() Hash {
	return HashData(s.Bytes())
}

func (s *Skeleton) TotalInputs() uint64 {
	ret := uint64(0)
	for i := range s.Inputs {
		ret = AddCapacity(ret, s.Inputs[i].Capacity)
	}
	return ret
}

func (s *Skeleton) TotalOutputs() uint64 {
	ret := uint64(0)
	for i := range s.Outputs {
		ret = AddCapacity(ret, s.Outputs[i].Capacity)
	}
	return ret
}

// MustValidBalance enforces sum(inputs) == sum(outputs) + fee exactly
func (s *Skeleton) MustValidBalance() {
	util.Assertf(s.TotalInputs() == AddCapacity(s.TotalOutputs(), s.Fee),
		"unbalanced transaction: inputs %d != outputs %d + fee %d",
		s.TotalInputs(), s.TotalOutputs(), s.Fee)
}

// ProducedCells enumerates the cells this transaction creates, all Live
func (s *Skeleton) ProducedCells() []Cell {
	txid := s.ID()
	ret := make([]Cell, len(s.Outputs))
	for i := range s.Outputs {
		ret[i] = Cell{
			OutPoint: NewOutPoint(txid, uint32(i)),
			Capacity: s.Outputs[i].Capacity,
			Account:  s.Outputs[i].AccountID(),
			Status:   CellStatusLive,
		}
	}
	return ret
}
