// Package workflow runs the bench loop: synchronize the ledger with the chain,
// generate one signed transaction, submit it, account for the outcome, sleep.
// One iteration never leaves a dangling reservation behind.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/cellbench/cellbench/client"
	"github.com/cellbench/cellbench/global"
	"github.com/cellbench/cellbench/ledger"
	"github.com/cellbench/cellbench/metrics"
	"github.com/cellbench/cellbench/syncer"
	"github.com/cellbench/cellbench/txbuilder"
	"github.com/cellbench/cellbench/util"
)

type (
	// NodeClient is the submit side of the node API
	NodeClient interface {
		SendTransaction(tx *ledger.Transaction) (ledger.Hash, error)
	}

	// Signer produces one witness per input, positionally
	Signer interface {
		Sign(skeleton *ledger.Skeleton, inputIndex int, account *ledger.Account) ([]byte, error)
	}

	Params struct {
		IdleInterval    time.Duration
		SuccessInterval time.Duration
		FailureInterval time.Duration
	}

	Workflow struct {
		global.Environment
		params    Params
		ledger    *ledger.Ledger
		engine    *syncer.Engine
		generator *txbuilder.Generator
		signer    Signer
		accounts  map[ledger.AccountID]*ledger.Account
		client    NodeClient
		bench     *metrics.Bench

		acceptedSinceReport int
		lastReport          time.Time
	}
)

const tpsReportInterval = 10 * time.Second

func New(
	env global.Environment,
	params Params,
	lgr *ledger.Ledger,
	engine *syncer.Engine,
	gen *txbuilder.Generator,
	sgn Signer,
	accounts []*ledger.Account,
	c NodeClient,
	bench *metrics.Bench,
) *Workflow {
	util.Assertf(params.IdleInterval > 0, "idle interval must be positive")
	util.Assertf(params.SuccessInterval >= 0, "negative success interval")
	util.Assertf(params.FailureInterval > 0, "failure interval must be positive")

	ret := &Workflow{
		Environment: env,
		params:      params,
		ledger:      lgr,
		engine:      engine,
		generator:   gen,
		signer:      sgn,
		accounts:    make(map[ledger.AccountID]*ledger.Account, len(accounts)),
		client:      c,
		bench:       bench,
		lastReport:  time.Now(),
	}
	for _, a := range accounts {
		ret.accounts[a.ID] = a
	}
	return ret
}

// Run loops until the environment context is cancelled or an unrecoverable
// condition stops the process
func (w *Workflow) Run() {
	w.MarkWorkProcessStarted()
	defer w.MarkWorkProcessStopped()

	w.Log().Infof("bench loop started, %d accounts tracked", len(w.accounts))
	for {
		select {
		case <-w.Ctx().Done():
			w.Log().Infof("bench loop stopped")
			return
		default:
		}
		w.sleep(w.cycle())
	}
}

// cycle is one iteration: sync, then at most one transaction.
// The return value is how long to sleep before the next one
func (w *Workflow) cycle() time.Duration {
	interval, synced := w.syncToTarget()
	w.updateLedgerMetrics()
	if !synced {
		return interval
	}
	if w.ledger.NumLiveCells() == 0 {
		w.Log().Debugf("no live cells yet, waiting for the chain")
		return w.params.IdleInterval
	}
	return w.submitOne()
}

// syncToTarget ingests blocks until the engine reports idle. synced == false
// means the cycle must end early and sleep the returned interval
func (w *Workflow) syncToTarget() (interval time.Duration, synced bool) {
	for {
		select {
		case <-w.Ctx().Done():
			return 0, false
		default:
		}
		idle, err := w.engine.Step()
		switch {
		case errors.Is(err, syncer.ErrForkUnresolved):
			w.Log().Errorf("%v, stopping", err)
			w.Stop()
			return 0, false
		case err != nil:
			w.Log().Warnf("sync failed: %v", err)
			return w.params.FailureInterval, false
		case idle:
			return 0, true
		}
	}
}

func (w *Workflow) submitOne() time.Duration {
	skeleton, reservation, err := w.generator.Build(w.ledger)
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		w.Log().Debugf("nothing spendable this cycle")
		return w.params.IdleInterval
	}
	util.AssertNoError(err)

	tx, err := w.signAll(skeleton)
	if err != nil {
		// recoverable: the reservation goes back, the cycle is skipped
		w.Log().Errorf("signing failed: %v, cycle skipped", err)
		w.mustRelease(reservation)
		return w.params.FailureInterval
	}

	w.bench.TxSubmitted.Inc()
	txid, err := w.client.SendTransaction(tx)
	switch {
	case errors.Is(err, client.ErrUnreachable):
		w.bench.TxUnreachable.Inc()
		w.Log().Warnf("submit failed: %v", err)
		w.mustRelease(reservation)
		return w.params.FailureInterval

	case err != nil:
		w.bench.TxRejected.Inc()
		w.Log().Warnf("transaction %s rejected: %v", tx.ID().Short(), err)
		w.Log().Infof("rejected transaction body:\n%s", client.SubmitJSON(tx))
		w.mustRelease(reservation)
		return w.params.FailureInterval
	}

	util.AssertNoError(w.ledger.Commit(reservation, skeleton.ProducedCells()))
	w.bench.TxAccepted.Inc()
	w.Log().Debugf("transaction %s accepted, %d in, %d out, live cells: %d",
		txid.Short(), len(tx.Inputs), len(tx.Outputs), w.ledger.NumLiveCells())
	w.reportTPS()
	return w.params.SuccessInterval
}

func (w *Workflow) signAll(skeleton *ledger.Skeleton) (*ledger.Transaction, error) {
	ret := &ledger.Transaction{
		Skeleton:  *skeleton,
		Witnesses: make([][]byte, len(skeleton.Inputs)),
	}
	for i := range skeleton.Inputs {
		account, ok := w.accounts[skeleton.Inputs[i].Account]
		if !ok {
			return nil, fmt.Errorf("input #%d belongs to unknown account %s", i, skeleton.Inputs[i].Account.Short())
		}
		witness, err := w.signer.Sign(skeleton, i, account)
		if err != nil {
			return nil, err
		}
		ret.Witnesses[i] = witness
	}
	return ret, nil
}

func (w *Workflow) mustRelease(r *ledger.Reservation) {
	util.AssertNoError(w.ledger.Release(r))
}

func (w *Workflow) updateLedgerMetrics() {
	w.bench.LiveCells.Set(float64(w.ledger.NumLiveCells()))
	w.bench.SyncedHeight.Set(float64(w.ledger.Cursor().Height))
}

func (w *Workflow) reportTPS() {
	w.acceptedSinceReport++
	elapsed := time.Since(w.lastReport)
	if elapsed < tpsReportInterval {
		return
	}
	tps := float64(w.acceptedSinceReport) / elapsed.Seconds()
	w.Log().Infof("%s tx accepted in the last %v, %.2f TPS, synced height %s",
		util.Th(w.acceptedSinceReport), elapsed.Round(time.Second), tps, util.Th(w.ledger.Cursor().Height))
	w.acceptedSinceReport = 0
	w.lastReport = time.Now()
}

func (w *Workflow) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-w.Ctx().Done():
	case <-time.After(d):
	}
}
