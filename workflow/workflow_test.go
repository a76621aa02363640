package workflow

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/cellbench/cellbench/client"
	"github.com/cellbench/cellbench/global"
	"github.com/cellbench/cellbench/ledger"
	"github.com/cellbench/cellbench/metrics"
	"github.com/cellbench/cellbench/signer"
	"github.com/cellbench/cellbench/store"
	"github.com/cellbench/cellbench/syncer"
	"github.com/cellbench/cellbench/txbuilder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type chainMock struct {
	tip client.TipHeader
}

func (c *chainMock) GetTipHeader() (client.TipHeader, error) {
	return c.tip, nil
}

func (c *chainMock) GetBlockByHeight(uint64) (*client.Block, bool, error) {
	return nil, false, nil
}

type nodeMock struct {
	calls int
	err   error
}

func (n *nodeMock) SendTransaction(tx *ledger.Transaction) (ledger.Hash, error) {
	n.calls++
	if n.err != nil {
		return ledger.Hash{}, n.err
	}
	return tx.ID(), nil
}

type testBench struct {
	w       *Workflow
	lgr     *ledger.Ledger
	node    *nodeMock
	account *ledger.Account
	params  Params
}

func newTestBench(t *testing.T, capacities ...uint64) *testBench {
	stg, err := store.Init(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = stg.Close() })

	registry := signer.NewRegistry()
	sk := make([]byte, signer.SecretKeyLength)
	sk[0] = 1
	account, err := registry.NewAccount(ledger.LockSighashBlake160, sk, 1)
	require.NoError(t, err)

	anchor := ledger.Cursor{Height: 0, Hash: ledger.HashData([]byte("anchor"))}
	lgr, err := ledger.New(stg, anchor)
	require.NoError(t, err)

	fundHash := anchor.Hash
	if len(capacities) > 0 {
		added := make([]ledger.Cell, 0, len(capacities))
		for i, capacity := range capacities {
			added = append(added, ledger.Cell{
				OutPoint: ledger.NewOutPoint(ledger.HashData([]byte(fmt.Sprintf("fund-%d", i))), 0),
				Capacity: capacity,
				Account:  account.ID,
				Status:   ledger.CellStatusLive,
			})
		}
		fundHash = ledger.HashData([]byte("funding-block"))
		require.NoError(t, lgr.Ingest(&ledger.BlockDelta{
			Height:     1,
			Hash:       fundHash,
			ParentHash: anchor.Hash,
			Added:      added,
		}))
	}

	env := global.New()
	chain := &chainMock{tip: client.TipHeader{Height: lgr.Cursor().Height, Hash: fundHash}}
	engine := syncer.New(env, syncer.Config{
		DelayBlocks:       0,
		RollbackLookback:  1,
		MaxRollbackBlocks: 10,
	}, chain, lgr, []ledger.AccountID{account.ID})

	gen := txbuilder.New(txbuilder.Config{
		InputsLimit:       3,
		InputsMean:        2,
		InputsStdDev:      1,
		OutputsLimit:      2,
		OutputCapacity:    100,
		OutputMinCapacity: 10,
		TxFee:             5,
	}, []*ledger.Account{account}, nil, rand.New(rand.NewSource(1)))

	node := &nodeMock{}
	params := Params{
		IdleInterval:    100 * time.Millisecond,
		SuccessInterval: 10 * time.Millisecond,
		FailureInterval: 50 * time.Millisecond,
	}
	w := New(env, params, lgr, engine, gen, registry, []*ledger.Account{account}, node, metrics.NewBench(prometheus.NewRegistry()))
	return &testBench{w: w, lgr: lgr, node: node, account: account, params: params}
}

func TestIdleWithoutLiveCells(t *testing.T) {
	b := newTestBench(t)

	for i := 0; i < 3; i++ {
		require.Equal(t, b.params.IdleInterval, b.w.cycle())
	}
	require.Zero(t, b.node.calls)
}

func TestAcceptedCommits(t *testing.T) {
	b := newTestBench(t, 1000, 2000)
	balanceBefore := b.lgr.LiveBalance(b.account.ID)

	require.Equal(t, b.params.SuccessInterval, b.w.cycle())
	require.EqualValues(t, 1, b.node.calls)

	// the fee left the ledger, everything else flowed back to the account
	require.EqualValues(t, balanceBefore-5, b.lgr.LiveBalance(b.account.ID))
	require.EqualValues(t, 1, testutil.ToFloat64(b.w.bench.TxAccepted))
}

type failingSigner struct{}

func (failingSigner) Sign(*ledger.Skeleton, int, *ledger.Account) ([]byte, error) {
	return nil, fmt.Errorf("%w: witness material unavailable", signer.ErrSigningFailed)
}

func TestSigningFailureSkipsCycle(t *testing.T) {
	b := newTestBench(t, 1000, 2000)
	b.w.signer = failingSigner{}
	balanceBefore := b.lgr.LiveBalance(b.account.ID)
	cellsBefore := b.lgr.NumLiveCells()

	require.Equal(t, b.params.FailureInterval, b.w.cycle())
	// the cycle is skipped, the loop keeps running
	require.NoError(t, b.w.Ctx().Err())
	require.Zero(t, b.node.calls)
	require.EqualValues(t, balanceBefore, b.lgr.LiveBalance(b.account.ID))
	require.EqualValues(t, cellsBefore, b.lgr.NumLiveCells())

	// with the signer back, the next cycle succeeds
	b.w.signer = signer.NewRegistry()
	require.Equal(t, b.params.SuccessInterval, b.w.cycle())
	require.EqualValues(t, 1, b.node.calls)
}

func TestRejectionReleases(t *testing.T) {
	b := newTestBench(t, 1000, 2000)
	b.node.err = fmt.Errorf("%w: PoolIsFull", client.ErrRejected)
	balanceBefore := b.lgr.LiveBalance(b.account.ID)
	cellsBefore := b.lgr.NumLiveCells()

	require.Equal(t, b.params.FailureInterval, b.w.cycle())
	require.EqualValues(t, 1, b.node.calls)

	// the reserved cells are live again, exactly as before
	require.EqualValues(t, balanceBefore, b.lgr.LiveBalance(b.account.ID))
	require.EqualValues(t, cellsBefore, b.lgr.NumLiveCells())
	require.EqualValues(t, 1, testutil.ToFloat64(b.w.bench.TxRejected))
}

func TestUnreachableReleases(t *testing.T) {
	b := newTestBench(t, 1000)
	b.node.err = fmt.Errorf("%w: timeout", client.ErrUnreachable)
	balanceBefore := b.lgr.LiveBalance(b.account.ID)

	require.Equal(t, b.params.FailureInterval, b.w.cycle())
	require.EqualValues(t, balanceBefore, b.lgr.LiveBalance(b.account.ID))
	require.EqualValues(t, 1, testutil.ToFloat64(b.w.bench.TxUnreachable))

	// the node comes back, the next cycle succeeds
	b.node.err = nil
	require.Equal(t, b.params.SuccessInterval, b.w.cycle())
	require.EqualValues(t, 1, testutil.ToFloat64(b.w.bench.TxAccepted))
}

func TestRunStopsOnCancellation(t *testing.T) {
	b := newTestBench(t)

	done := make(chan struct{})
	go func() {
		b.w.Run()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	b.w.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
