// Package syncer advances the ledger's view of the chain. Blocks within the
// fork safety margin of the tip are not trusted yet: the engine only ingests
// up to tip minus delay_blocks. A parent-hash mismatch triggers a bounded
// rollback and retry; exceeding the maximum rollback depth is fatal.
package syncer

import (
	"errors"
	"fmt"

	"github.com/cellbench/cellbench/client"
	"github.com/cellbench/cellbench/global"
	"github.com/cellbench/cellbench/ledger"
	"github.com/cellbench/cellbench/util"
	"github.com/gammazero/deque"
)

// ErrForkUnresolved is fatal: operator intervention required
var ErrForkUnresolved = errors.New("unresolved fork: maximum rollback depth exceeded")

type (
	// Client is the part of the node API the engine consumes
	Client interface {
		GetTipHeader() (client.TipHeader, error)
		GetBlockByHeight(height uint64) (*client.Block, bool, error)
	}

	Config struct {
		// DelayBlocks is the fork safety margin
		DelayBlocks uint64
		// RollbackLookback is how many blocks one fork detection rolls back
		RollbackLookback uint64
		// MaxRollbackBlocks bounds the cumulative rollback of one fork episode
		MaxRollbackBlocks uint64
	}

	Engine struct {
		global.Logging
		cfg        Config
		client     Client
		ledger     *ledger.Ledger
		tracked    map[ledger.AccountID]struct{}
		recent     deque.Deque[ledger.Cursor]
		rolledBack uint64
	}
)

func New(env global.Logging, cfg Config, c Client, lgr *ledger.Ledger, tracked []ledger.AccountID) *Engine {
	util.Assertf(cfg.RollbackLookback >= 1, "rollback lookback must be positive")
	util.Assertf(cfg.MaxRollbackBlocks >= cfg.RollbackLookback, "max rollback depth below lookback")

	ret := &Engine{
		Logging: env,
		cfg:     cfg,
		client:  c,
		ledger:  lgr,
		tracked: make(map[ledger.AccountID]struct{}, len(tracked)),
	}
	for _, a := range tracked {
		ret.tracked[a] = struct{}{}
	}
	return ret
}

// Step makes at most one unit of progress: ingest one block, or repair one
// fork detection, or report idle. Network errors bubble up untouched
func (e *Engine) Step() (idle bool, err error) {
	tip, err := e.client.GetTipHeader()
	if err != nil {
		return false, err
	}
	cursor := e.ledger.Cursor()
	if cursor.Height+e.cfg.DelayBlocks >= tip.Height {
		e.rolledBack = 0
		return true, nil
	}

	next := cursor.Height + 1
	block, found, err := e.client.GetBlockByHeight(next)
	if err != nil {
		return false, err
	}
	if !found {
		// the node reported the tip but cannot serve the block yet
		return true, nil
	}

	if block.ParentHash != cursor.Hash {
		return false, e.repairFork(cursor, block)
	}

	if err = e.ledger.Ingest(e.buildDelta(block)); err != nil {
		return false, err
	}
	e.rolledBack = 0
	e.pushRecent(ledger.Cursor{Height: block.Height, Hash: block.Hash})
	e.Log().Debugf("ingested block %d (%s), live cells: %d", block.Height, block.Hash.Short(), e.ledger.NumLiveCells())
	return false, nil
}

func (e *Engine) repairFork(cursor ledger.Cursor, block *client.Block) error {
	e.Log().Warnf("fork detected at height %d: recorded hash %s, block %s has parent %s",
		cursor.Height, cursor.Hash.Short(), block.Hash.Short(), block.ParentHash.Short())
	e.logRecent()

	e.rolledBack += e.cfg.RollbackLookback
	if e.rolledBack > e.cfg.MaxRollbackBlocks {
		return fmt.Errorf("%w (%d > %d)", ErrForkUnresolved, e.rolledBack, e.cfg.MaxRollbackBlocks)
	}
	target := e.ledger.AnchorHeight()
	if cursor.Height > e.cfg.RollbackLookback && cursor.Height-e.cfg.RollbackLookback > target {
		target = cursor.Height - e.cfg.RollbackLookback
	}
	if err := e.ledger.Rollback(target); err != nil {
		return fmt.Errorf("%w: %v", ErrForkUnresolved, err)
	}
	e.dropRecentAbove(target)
	e.Log().Infof("rolled back to height %d, total rollback depth of the episode: %d", target, e.rolledBack)
	return nil
}

// buildDelta extracts what the block did to the tracked accounts. An output
// both created and consumed within the block is netted out
func (e *Engine) buildDelta(block *client.Block) *ledger.BlockDelta {
	spentSet := make(map[ledger.OutPoint]struct{})
	ret := &ledger.BlockDelta{
		Height:     block.Height,
		Hash:       block.Hash,
		ParentHash: block.ParentHash,
	}
	for i := range block.Transactions {
		for _, o := range block.Transactions[i].Inputs {
			spentSet[o] = struct{}{}
			ret.Spent = append(ret.Spent, o)
		}
	}
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		for idx := range tx.Outputs {
			out := &tx.Outputs[idx]
			if out.Unknown {
				continue
			}
			account := ledger.MakeAccountID(out.Scheme, out.LockArgs)
			if _, ok := e.tracked[account]; !ok {
				continue
			}
			op := ledger.NewOutPoint(tx.TxID, uint32(idx))
			if _, consumedHere := spentSet[op]; consumedHere {
				continue
			}
			ret.Added = append(ret.Added, ledger.Cell{
				OutPoint: op,
				Capacity: out.Capacity,
				Account:  account,
				Status:   ledger.CellStatusLive,
			})
		}
	}
	return ret
}

func (e *Engine) pushRecent(c ledger.Cursor) {
	maxLen := int(e.cfg.MaxRollbackBlocks + e.cfg.RollbackLookback)
	for e.recent.Len() >= maxLen {
		e.recent.PopFront()
	}
	e.recent.PushBack(c)
}

func (e *Engine) dropRecentAbove(height uint64) {
	for e.recent.Len() > 0 && e.recent.Back().Height > height {
		e.recent.PopBack()
	}
}

func (e *Engine) logRecent() {
	n := util.Minimum(e.recent.Len(), 5)
	for i := 0; i < n; i++ {
		c := e.recent.At(e.recent.Len() - 1 - i)
		e.Log().Debugf("recently ingested: height %d, hash %s", c.Height, c.Hash.Short())
	}
}
