// Package store persists the cell ledger in a badger database: per-cell
// records keyed (account id, out point), a singleton chain cursor, per-height
// journal records for bounded rollback, and the account metadata blob.
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cellbench/cellbench/ledger"
	"github.com/dgraph-io/badger/v4"
)

// ErrStorageCorruption is fatal: the process must not continue with an
// unverifiable ledger
var ErrStorageCorruption = errors.New("storage corruption")

const (
	prefixCell       = byte('c')
	prefixJournal    = byte('j')
	keyCursor        = "u"
	keyMetadata      = "m"
	cellKeyLength    = 1 + ledger.AccountIDLength + ledger.OutPointLength
	cellValLength    = 8 + 1
	journalKeyLength = 1 + 8
)

type Store struct {
	db *badger.DB
}

// Init creates a fresh database. Fails if the directory already exists
func Init(dir string) (*Store, error) {
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("directory '%s' already exists", dir)
	}
	return open(dir)
}

// Open loads an existing database. Fails if the directory does not exist
func Open(dir string) (*Store, error) {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("directory '%s' does not exist", dir)
	}
	return open(dir)
}

func open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func cellKey(account ledger.AccountID, o ledger.OutPoint) []byte {
	ret := make([]byte, 0, cellKeyLength)
	ret = append(ret, prefixCell)
	ret = append(ret, account[:]...)
	ret = append(ret, o.Bytes()...)
	return ret
}

func cellValue(c *ledger.Cell) []byte {
	var ret [cellValLength]byte
	binary.BigEndian.PutUint64(ret[:8], c.Capacity)
	ret[8] = byte(c.Status)
	return ret[:]
}

func cellFromKeyValue(key, val []byte) (ret ledger.Cell, err error) {
	if len(key) != cellKeyLength || len(val) != cellValLength {
		err = fmt.Errorf("%w: malformed cell record", ErrStorageCorruption)
		return
	}
	if ret.Account, err = ledger.AccountIDFromBytes(key[1 : 1+ledger.AccountIDLength]); err != nil {
		err = fmt.Errorf("%w: %v", ErrStorageCorruption, err)
		return
	}
	if ret.OutPoint, err = ledger.OutPointFromBytes(key[1+ledger.AccountIDLength:]); err != nil {
		err = fmt.Errorf("%w: %v", ErrStorageCorruption, err)
		return
	}
	ret.Capacity = binary.BigEndian.Uint64(val[:8])
	ret.Status = ledger.CellStatus(val[8])
	if ret.Status > ledger.CellStatusSpent {
		err = fmt.Errorf("%w: unknown cell status %d", ErrStorageCorruption, val[8])
		return
	}
	return
}

func journalKey(height uint64) []byte {
	ret := make([]byte, journalKeyLength)
	ret[0] = prefixJournal
	binary.BigEndian.PutUint64(ret[1:], height)
	return ret
}

func (s *Store) LoadCells() ([]ledger.Cell, error) {
	ret := make([]ledger.Cell, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixCell}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				c, err := cellFromKeyValue(item.Key(), val)
				if err != nil {
					return err
				}
				ret = append(ret, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Store) LoadCursor() (ret ledger.Cursor, found bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyCursor))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			if len(val) != 8+ledger.HashLength {
				return fmt.Errorf("%w: malformed cursor record", ErrStorageCorruption)
			}
			ret.Height = binary.BigEndian.Uint64(val[:8])
			copy(ret.Hash[:], val[8:])
			return nil
		})
	})
	return
}

func (s *Store) JournalRecord(height uint64) (ret ledger.JournalRecord, found bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(journalKey(height))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			ret, err = journalRecordFromBytes(val)
			if err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return
}

// Mutate applies the mutation set in a single badger transaction.
// Puts are applied before deletes: a rollback may restore a cell in one
// undo step and delete it in an older one, and the net result must be absence
func (s *Store) Mutate(muts *ledger.Mutations) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for i := range muts.PutCells {
			c := &muts.PutCells[i]
			if err := txn.Set(cellKey(c.Account, c.OutPoint), cellValue(c)); err != nil {
				return err
			}
		}
		for i := range muts.DeleteCells {
			c := &muts.DeleteCells[i]
			if err := txn.Delete(cellKey(c.Account, c.OutPoint)); err != nil {
				return err
			}
		}
		if muts.Cursor != nil {
			var val [8 + ledger.HashLength]byte
			binary.BigEndian.PutUint64(val[:8], muts.Cursor.Height)
			copy(val[8:], muts.Cursor.Hash[:])
			if err := txn.Set([]byte(keyCursor), val[:]); err != nil {
				return err
			}
		}
		if muts.Journal != nil {
			if err := txn.Set(journalKey(muts.JournalHeight), journalRecordBytes(muts.Journal)); err != nil {
				return err
			}
		}
		if muts.DeleteJournalAbove != nil {
			if err := deleteJournalAbove(txn, *muts.DeleteJournalAbove); err != nil {
				return err
			}
		}
		return nil
	})
}

func deleteJournalAbove(txn *badger.Txn, height uint64) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefixJournal}
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	toDelete := make([][]byte, 0)
	for it.Seek(journalKey(height + 1)); it.Valid(); it.Next() {
		toDelete = append(toDelete, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range toDelete {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func journalRecordBytes(rec *ledger.JournalRecord) []byte {
	var buf bytes.Buffer
	buf.Write(rec.Hash[:])
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(rec.Added)))
	for i := range rec.Added {
		writeCell(&buf, &rec.Added[i])
	}
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(rec.Removed)))
	for i := range rec.Removed {
		writeCell(&buf, &rec.Removed[i])
	}
	return buf.Bytes()
}

func writeCell(buf *bytes.Buffer, c *ledger.Cell) {
	buf.Write(c.Account[:])
	buf.Write(c.OutPoint.Bytes())
	_ = binary.Write(buf, binary.BigEndian, c.Capacity)
	buf.WriteByte(byte(c.Status))
}

const cellRecordLength = ledger.AccountIDLength + ledger.OutPointLength + 8 + 1

func journalRecordFromBytes(data []byte) (ret ledger.JournalRecord, err error) {
	rdr := bytes.NewReader(data)
	if _, err = io.ReadFull(rdr, ret.Hash[:]); err != nil {
		err = fmt.Errorf("%w: truncated journal record", ErrStorageCorruption)
		return
	}
	if ret.Added, err = readCells(rdr); err != nil {
		return
	}
	if ret.Removed, err = readCells(rdr); err != nil {
		return
	}
	if rdr.Len() != 0 {
		err = fmt.Errorf("%w: trailing bytes in journal record", ErrStorageCorruption)
	}
	return
}

func readCells(rdr *bytes.Reader) ([]ledger.Cell, error) {
	var n uint16
	if err := binary.Read(rdr, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: truncated journal record", ErrStorageCorruption)
	}
	ret := make([]ledger.Cell, 0, n)
	var rec [cellRecordLength]byte
	for i := 0; i < int(n); i++ {
		if _, err := io.ReadFull(rdr, rec[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated journal record", ErrStorageCorruption)
		}
		var c ledger.Cell
		var err error
		if c.Account, err = ledger.AccountIDFromBytes(rec[:ledger.AccountIDLength]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageCorruption, err)
		}
		if c.OutPoint, err = ledger.OutPointFromBytes(rec[ledger.AccountIDLength : ledger.AccountIDLength+ledger.OutPointLength]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageCorruption, err)
		}
		c.Capacity = binary.BigEndian.Uint64(rec[ledger.AccountIDLength+ledger.OutPointLength:])
		c.Status = ledger.CellStatus(rec[cellRecordLength-1])
		ret = append(ret, c)
	}
	return ret, nil
}

// SaveMetadata stores the provisioning metadata blob (YAML)
func (s *Store) SaveMetadata(data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyMetadata), data)
	})
}

func (s *Store) LoadMetadata() ([]byte, error) {
	var ret []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyMetadata))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: metadata record not found", ErrStorageCorruption)
		}
		if err != nil {
			return err
		}
		ret, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}
