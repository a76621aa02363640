// Package txbuilder generates balanced, distribution-shaped transaction
// skeletons from ledger state. A build reserves the cells it consumes; the
// caller redeems the reservation with exactly one commit or release.
package txbuilder

import (
	"math"
	"math/rand"
	"sort"

	"github.com/cellbench/cellbench/ledger"
	"github.com/cellbench/cellbench/util"
)

type (
	// Config is the generator block of the run configuration
	Config struct {
		InputsLimit       int
		InputsMean        float64
		InputsStdDev      float64
		OutputsLimit      int
		OutputCapacity    uint64
		OutputMinCapacity uint64
		TxFee             uint64
	}

	Generator struct {
		cfg         Config
		accounts    []*ledger.Account
		weights     []int
		totalWeight int
		cellDeps    map[ledger.LockScheme][]ledger.CellDep
		rnd         *rand.Rand
	}
)

const inputCountHardCap = 1000

func New(cfg Config, accounts []*ledger.Account, cellDeps map[ledger.LockScheme][]ledger.CellDep, rnd *rand.Rand) *Generator {
	util.Assertf(cfg.InputsLimit >= 1, "inputs_limit must be positive")
	util.Assertf(cfg.OutputsLimit >= 1, "outputs_limit must be positive")
	util.Assertf(cfg.OutputMinCapacity >= 1, "output_min_capacity must be positive")
	util.Assertf(cfg.OutputCapacity >= cfg.OutputMinCapacity, "output_capacity below output_min_capacity")
	util.Assertf(cfg.InputsMean > 0 || cfg.InputsStdDev > 0, "inputs size distribution must have positive mean or deviation")
	util.Assertf(len(accounts) > 0, "no accounts")

	ret := &Generator{
		cfg:      cfg,
		accounts: accounts,
		weights:  make([]int, len(accounts)),
		cellDeps: cellDeps,
		rnd:      rnd,
	}
	for i, a := range accounts {
		util.Assertf(a.Weight >= 0, "negative selection weight for account %s", a.ID.Short())
		ret.weights[i] = a.Weight
		ret.totalWeight += a.Weight
	}
	util.Assertf(ret.totalWeight > 0, "all selection weights are zero")
	return ret
}

// drawInputCount samples the configured normal distribution, rejecting
// non-positive and absurd values, then clamps to [1, inputs_limit]
func (g *Generator) drawInputCount() int {
	var v float64
	for {
		v = g.rnd.NormFloat64()*g.cfg.InputsStdDev + g.cfg.InputsMean
		if v > 0 && v < inputCountHardCap {
			break
		}
	}
	n := int(math.Ceil(v))
	if n > g.cfg.InputsLimit {
		n = g.cfg.InputsLimit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// pickAccount draws an account by selection weight
func (g *Generator) pickAccount() *ledger.Account {
	v := g.rnd.Intn(g.totalWeight)
	for i, w := range g.weights {
		if v < w {
			return g.accounts[i]
		}
		v -= w
	}
	return g.accounts[len(g.accounts)-1]
}

// planOutputCapacities splits the spendable amount (total minus fee) into
// output capacities: full output_capacity outputs, bounded by outputs_limit,
// with the leftover folded into the last one. If folding would leave the last
// output below the minimum, it is merged into the previous one instead
func (g *Generator) planOutputCapacities(total uint64) []uint64 {
	spendable := ledger.SubCapacity(total, g.cfg.TxFee)
	util.Assertf(spendable >= g.cfg.OutputMinCapacity, "reserved total %d cannot fund a minimal output", total)

	count := int(spendable / g.cfg.OutputCapacity)
	if count < 1 {
		count = 1
	}
	if count > g.cfg.OutputsLimit {
		count = g.cfg.OutputsLimit
	}
	for {
		last := ledger.SubCapacity(spendable, g.cfg.OutputCapacity*uint64(count-1))
		if last >= g.cfg.OutputMinCapacity || count == 1 {
			ret := make([]uint64, count)
			for i := 0; i < count-1; i++ {
				ret[i] = g.cfg.OutputCapacity
			}
			ret[count-1] = last
			return ret
		}
		count--
	}
}

// Build reserves cells and assembles an unsigned skeleton.
// ledger.ErrInsufficientFunds means "nothing to do this cycle"
func (g *Generator) Build(lgr *ledger.Ledger) (*ledger.Skeleton, *ledger.Reservation, error) {
	numInputs := g.drawInputCount()
	account := g.pickAccount()

	minTotal := ledger.AddCapacity(g.cfg.TxFee, g.cfg.OutputMinCapacity)
	reservation, err := lgr.Reserve(account.ID, minTotal, numInputs)
	if err != nil {
		return nil, nil, err
	}

	capacities := g.planOutputCapacities(reservation.TotalCapacity())
	outputs := make([]ledger.Output, len(capacities))
	for i, capacity := range capacities {
		recipient := g.pickAccount()
		outputs[i] = ledger.Output{
			Capacity: capacity,
			Scheme:   recipient.Scheme,
			LockArgs: recipient.LockArgs,
		}
	}
	// all inputs belong to the one reserved account
	schemes := map[ledger.LockScheme]struct{}{account.Scheme: {}}

	skeleton := &ledger.Skeleton{
		Inputs:   reservation.Cells(),
		Outputs:  outputs,
		Fee:      g.cfg.TxFee,
		CellDeps: g.collectCellDeps(schemes),
	}
	skeleton.MustValidBalance()
	return skeleton, reservation, nil
}

// collectCellDeps deduplicates the lock script deps of the schemes in use,
// ordered deterministically
func (g *Generator) collectCellDeps(schemes map[ledger.LockScheme]struct{}) []ledger.CellDep {
	ordered := util.SortKeys(schemes, func(s1, s2 ledger.LockScheme) bool {
		return s1 < s2
	})
	ret := make([]ledger.CellDep, 0)
	seen := make(map[ledger.OutPoint]struct{})
	for _, s := range ordered {
		for _, d := range g.cellDeps[s] {
			if _, ok := seen[d.OutPoint]; ok {
				continue
			}
			seen[d.OutPoint] = struct{}{}
			ret = append(ret, d)
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].OutPoint.Less(ret[j].OutPoint)
	})
	return ret
}
