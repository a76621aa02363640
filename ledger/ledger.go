package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cellbench/cellbench/util"
)

// ErrInsufficientFunds signals "nothing to do this cycle", not a failure
var ErrInsufficientFunds = errors.New("insufficient funds")

type (
	// BlockDelta is what one chain block did to the tracked accounts
	BlockDelta struct {
		Height     uint64
		Hash       Hash
		ParentHash Hash
		Added      []Cell     // cells of tracked accounts created by the block
		Spent      []OutPoint // every out point consumed by the block
	}

	// JournalRecord is the persisted undo record of one ingested block
	JournalRecord struct {
		Hash    Hash
		Added   []Cell // cells inserted when the block was ingested
		Removed []Cell // full prior records of cells the block consumed
	}

	// Mutations is one atomic store update. The store applies it in a single
	// transaction or not at all
	Mutations struct {
		PutCells           []Cell
		DeleteCells        []Cell
		Cursor             *Cursor
		JournalHeight      uint64
		Journal            *JournalRecord
		DeleteJournalAbove *uint64
	}

	// Store is the persistence the ledger writes through to
	Store interface {
		LoadCells() ([]Cell, error)
		LoadCursor() (Cursor, bool, error)
		JournalRecord(height uint64) (JournalRecord, bool, error)
		Mutate(*Mutations) error
	}

	// Reservation is an ephemeral handle over a set of consumed cells,
	// redeemed by exactly one Commit or Release
	Reservation struct {
		cells []Cell
		total uint64
		done  bool
	}

	// Ledger is the in-memory cell index with write-through persistence.
	// All mutating operations run under one exclusive critical section
	Ledger struct {
		mutex     sync.Mutex
		store     Store
		anchor    Cursor
		cursor    Cursor
		cells     map[OutPoint]*Cell
		byAccount map[AccountID]map[OutPoint]struct{}
	}
)

func (r *Reservation) Cells() []Cell {
	return r.cells
}

func (r *Reservation) TotalCapacity() uint64 {
	return r.total
}

// New loads the ledger from the store. A fresh store gets the anchor as cursor.
// Reserved statuses are normalized to Live: a reservation cannot outlive the process
func New(store Store, anchor Cursor) (*Ledger, error) {
	ret := &Ledger{
		store:     store,
		anchor:    anchor,
		cells:     make(map[OutPoint]*Cell),
		byAccount: make(map[AccountID]map[OutPoint]struct{}),
	}
	cells, err := store.LoadCells()
	if err != nil {
		return nil, err
	}
	for i := range cells {
		c := cells[i]
		if c.Status == CellStatusReserved {
			c.Status = CellStatusLive
		}
		ret.insert(c)
	}
	cursor, found, err := store.LoadCursor()
	if err != nil {
		return nil, err
	}
	if found {
		ret.cursor = cursor
	} else {
		ret.cursor = anchor
		if err = store.Mutate(&Mutations{Cursor: &ret.cursor}); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (lg *Ledger) insert(c Cell) {
	cCopy := c
	lg.cells[c.OutPoint] = &cCopy
	m := lg.byAccount[c.Account]
	if m == nil {
		m = make(map[OutPoint]struct{})
		lg.byAccount[c.Account] = m
	}
	m[c.OutPoint] = struct{}{}
}

func (lg *Ledger) remove(o OutPoint) (Cell, bool) {
	c, ok := lg.cells[o]
	if !ok {
		return Cell{}, false
	}
	delete(lg.cells, o)
	if m := lg.byAccount[c.Account]; m != nil {
		delete(m, o)
		if len(m) == 0 {
			delete(lg.byAccount, c.Account)
		}
	}
	return *c, true
}

// AnchorHeight is the floor below which rollback is impossible
func (lg *Ledger) AnchorHeight() uint64 {
	return lg.anchor.Height
}

func (lg *Ledger) Cursor() Cursor {
	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	return lg.cursor
}

// NumLiveCells counts Live cells across all accounts
func (lg *Ledger) NumLiveCells() int {
	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	ret := 0
	for _, c := range lg.cells {
		if c.Status == CellStatusLive {
			ret++
		}
	}
	return ret
}

// LiveBalance sums Live capacity of one account
func (lg *Ledger) LiveBalance(account AccountID) uint64 {
	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	ret := uint64(0)
	for o := range lg.byAccount[account] {
		if c := lg.cells[o]; c.Status == CellStatusLive {
			ret = AddCapacity(ret, c.Capacity)
		}
	}
	return ret
}

// Reserve selects Live cells of the account smallest-capacity-first until the
// total reaches minTotal. When the input bound is hit, the smallest selected
// cell is dropped and selection continues up the capacity order, so the call
// either returns a subset within maxInputs or ErrInsufficientFunds.
// Selected cells become Reserved
func (lg *Ledger) Reserve(account AccountID, minTotal uint64, maxInputs int) (*Reservation, error) {
	util.Assertf(maxInputs >= 1, "Reserve: maxInputs must be positive")

	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	candidates := make([]*Cell, 0, len(lg.byAccount[account]))
	for o := range lg.byAccount[account] {
		if c := lg.cells[o]; c.Status == CellStatusLive {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Capacity != candidates[j].Capacity {
			return candidates[i].Capacity < candidates[j].Capacity
		}
		return candidates[i].OutPoint.Less(candidates[j].OutPoint)
	})

	selected := make([]*Cell, 0, maxInputs)
	total := uint64(0)
	for _, c := range candidates {
		if len(selected) == maxInputs {
			total = SubCapacity(total, selected[0].Capacity)
			selected = selected[1:]
		}
		selected = append(selected, c)
		total = AddCapacity(total, c.Capacity)
		if total >= minTotal {
			break
		}
	}
	if total < minTotal || len(selected) == 0 {
		return nil, ErrInsufficientFunds
	}

	ret := &Reservation{
		cells: make([]Cell, len(selected)),
		total: total,
	}
	muts := &Mutations{PutCells: make([]Cell, 0, len(selected))}
	for i, c := range selected {
		c.Status = CellStatusReserved
		ret.cells[i] = *c
		muts.PutCells = append(muts.PutCells, *c)
	}
	if err := lg.store.Mutate(muts); err != nil {
		for _, c := range selected {
			c.Status = CellStatusLive
		}
		return nil, err
	}
	return ret, nil
}

// Commit removes the consumed cells and inserts the produced ones as Live,
// all-or-nothing. Produced cells are credited optimistically, before the
// chain confirms them
func (lg *Ledger) Commit(r *Reservation, produced []Cell) error {
	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	util.Assertf(!r.done, "Commit: reservation already redeemed")

	muts := &Mutations{
		DeleteCells: make([]Cell, 0, len(r.cells)),
		PutCells:    make([]Cell, 0, len(produced)),
	}
	for i := range r.cells {
		if c, ok := lg.cells[r.cells[i].OutPoint]; ok {
			muts.DeleteCells = append(muts.DeleteCells, *c)
		}
	}
	for i := range produced {
		c := produced[i]
		c.Status = CellStatusLive
		muts.PutCells = append(muts.PutCells, c)
	}
	if err := lg.store.Mutate(muts); err != nil {
		return err
	}
	for i := range muts.DeleteCells {
		lg.remove(muts.DeleteCells[i].OutPoint)
	}
	for i := range muts.PutCells {
		lg.insert(muts.PutCells[i])
	}
	r.done = true
	return nil
}

// Release restores the consumed cells to Live, identical to the pre-reservation
// state. Idempotent under retry. A cell the chain consumed meanwhile stays gone
func (lg *Ledger) Release(r *Reservation) error {
	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	if r.done {
		return nil
	}
	muts := &Mutations{PutCells: make([]Cell, 0, len(r.cells))}
	restore := make([]*Cell, 0, len(r.cells))
	for i := range r.cells {
		c, ok := lg.cells[r.cells[i].OutPoint]
		if !ok || c.Status != CellStatusReserved {
			continue
		}
		restore = append(restore, c)
		cc := *c
		cc.Status = CellStatusLive
		muts.PutCells = append(muts.PutCells, cc)
	}
	if err := lg.store.Mutate(muts); err != nil {
		return err
	}
	for _, c := range restore {
		c.Status = CellStatusLive
	}
	r.done = true
	return nil
}

// Ingest applies one chain-confirmed block delta and advances the cursor.
// The caller (sync engine) has already verified the parent hash
func (lg *Ledger) Ingest(delta *BlockDelta) error {
	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	util.Assertf(delta.Height == lg.cursor.Height+1,
		"Ingest: non-contiguous height %d, cursor at %d", delta.Height, lg.cursor.Height)
	util.Assertf(delta.ParentHash == lg.cursor.Hash,
		"Ingest: parent hash mismatch at height %d", delta.Height)

	journal := JournalRecord{
		Hash:  delta.Hash,
		Added: make([]Cell, 0, len(delta.Added)),
	}
	for i := range delta.Added {
		c := delta.Added[i]
		c.Status = CellStatusLive
		journal.Added = append(journal.Added, c)
	}
	for _, o := range delta.Spent {
		if c, ok := lg.cells[o]; ok {
			journal.Removed = append(journal.Removed, *c)
		}
	}
	cursor := Cursor{Height: delta.Height, Hash: delta.Hash}
	muts := &Mutations{
		PutCells:      journal.Added,
		DeleteCells:   journal.Removed,
		Cursor:        &cursor,
		JournalHeight: delta.Height,
		Journal:       &journal,
	}
	if err := lg.store.Mutate(muts); err != nil {
		return err
	}
	for i := range journal.Removed {
		lg.remove(journal.Removed[i].OutPoint)
	}
	for i := range journal.Added {
		lg.insert(journal.Added[i])
	}
	lg.cursor = cursor
	return nil
}

// Rollback reverses every mutation attributable to blocks above toHeight and
// resets the cursor. Fails if the journal does not reach that deep
func (lg *Ledger) Rollback(toHeight uint64) error {
	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	util.Assertf(toHeight <= lg.cursor.Height, "Rollback: target height %d above cursor %d", toHeight, lg.cursor.Height)
	if toHeight < lg.anchor.Height {
		return fmt.Errorf("cannot roll back below the anchor height %d", lg.anchor.Height)
	}

	type undo struct {
		height uint64
		rec    JournalRecord
	}
	undos := make([]undo, 0, lg.cursor.Height-toHeight)
	for h := lg.cursor.Height; h > toHeight; h-- {
		rec, found, err := lg.store.JournalRecord(h)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("journal record for height %d not found, cannot roll back", h)
		}
		undos = append(undos, undo{height: h, rec: rec})
	}

	var cursorHash Hash
	if toHeight == lg.anchor.Height {
		cursorHash = lg.anchor.Hash
	} else {
		rec, found, err := lg.store.JournalRecord(toHeight)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("journal record for height %d not found, cannot roll back", toHeight)
		}
		cursorHash = rec.Hash
	}

	cursor := Cursor{Height: toHeight, Hash: cursorHash}
	above := toHeight
	muts := &Mutations{
		Cursor:             &cursor,
		DeleteJournalAbove: &above,
	}
	// undo newest first: delete what blocks added, restore what they removed
	for _, u := range undos {
		muts.DeleteCells = append(muts.DeleteCells, u.rec.Added...)
		muts.PutCells = append(muts.PutCells, u.rec.Removed...)
	}
	if err := lg.store.Mutate(muts); err != nil {
		return err
	}
	for _, u := range undos {
		for i := range u.rec.Added {
			lg.remove(u.rec.Added[i].OutPoint)
		}
		for i := range u.rec.Removed {
			lg.insert(u.rec.Removed[i])
		}
	}
	lg.cursor = cursor
	return nil
}
