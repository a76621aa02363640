// Package run_cmd starts the bench loop against a provisioned data directory
// and a remote node endpoint.
package run_cmd

import (
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cellbench/cellbench/client"
	"github.com/cellbench/cellbench/glb"
	"github.com/cellbench/cellbench/global"
	"github.com/cellbench/cellbench/ledger"
	"github.com/cellbench/cellbench/metrics"
	"github.com/cellbench/cellbench/signer"
	"github.com/cellbench/cellbench/store"
	"github.com/cellbench/cellbench/syncer"
	"github.com/cellbench/cellbench/txbuilder"
	"github.com/cellbench/cellbench/workflow"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func CmdRun() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Args:  cobra.NoArgs,
		Short: "runs the bench loop against a remote node",
		Run:   runRunCommand,
	}
	runCmd.PersistentFlags().String("data_dir", "", "provisioned data directory")
	err := viper.BindPFlag("data_dir", runCmd.PersistentFlags().Lookup("data_dir"))
	glb.AssertNoError(err)
	runCmd.PersistentFlags().String("endpoint", "", "node JSON-RPC endpoint")
	err = viper.BindPFlag("endpoint", runCmd.PersistentFlags().Lookup("endpoint"))
	glb.AssertNoError(err)
	return runCmd
}

func setDefaults() {
	viper.SetDefault("delay_blocks", 6)
	viper.SetDefault("rollback_lookback", 6)
	viper.SetDefault("max_rollback_blocks", 100)
	viper.SetDefault("client.idle_interval", 5000)
	viper.SetDefault("client.success_interval", 100)
	viper.SetDefault("client.failure_interval", 5000)
	viper.SetDefault("client.request_timeout", 7000)
}

func runRunCommand(_ *cobra.Command, _ []string) {
	setDefaults()

	dataDir := viper.GetString("data_dir")
	glb.Assertf(dataDir != "", "data_dir not specified")
	endpoint := viper.GetString("endpoint")
	glb.Assertf(endpoint != "", "endpoint not specified")

	stg, err := store.Open(dataDir)
	glb.AssertNoError(err)
	defer func() { _ = stg.Close() }()

	metadataBin, err := stg.LoadMetadata()
	glb.AssertNoError(err)
	metadata, err := store.MetadataFromYAML(metadataBin)
	glb.AssertNoError(err)

	env := global.NewFromConfig()
	env.Log().Infof("starting the bench, data directory: '%s', endpoint: %s", dataDir, endpoint)

	registry := signer.NewRegistry()
	accounts := makeAccounts(registry, metadata)

	c := client.New(endpoint, time.Duration(viper.GetInt64("client.request_timeout"))*time.Millisecond)
	checkChain(c, metadata)
	env.Log().Infof("chain anchor verified: block %d, hash %s",
		metadata.StartBlock.Height, metadata.StartBlock.Hash.Short())

	anchor := ledger.Cursor{Height: metadata.StartBlock.Height, Hash: metadata.StartBlock.Hash}
	lgr, err := ledger.New(stg, anchor)
	glb.AssertNoError(err)
	env.Log().Infof("ledger loaded: synced height %d, %d live cells", lgr.Cursor().Height, lgr.NumLiveCells())

	cellDeps := make(map[ledger.LockScheme][]ledger.CellDep)
	for scheme, script := range metadata.LockScripts {
		cellDeps[scheme] = script.CellDeps
	}
	generator := txbuilder.New(txbuilder.Config{
		InputsLimit:       viper.GetInt("generator.inputs_limit"),
		InputsMean:        viper.GetFloat64("generator.inputs_size_normal_distribution.mean"),
		InputsStdDev:      viper.GetFloat64("generator.inputs_size_normal_distribution.std_dev"),
		OutputsLimit:      viper.GetInt("generator.outputs_limit"),
		OutputCapacity:    viper.GetUint64("generator.output_capacity"),
		OutputMinCapacity: viper.GetUint64("generator.output_min_capacity"),
		TxFee:             viper.GetUint64("generator.tx_fee"),
	}, accounts, cellDeps, rand.New(rand.NewSource(time.Now().UnixNano())))

	tracked := make([]ledger.AccountID, 0, len(accounts))
	for _, a := range accounts {
		tracked = append(tracked, a.ID)
	}
	engine := syncer.New(global.MakeSubLogger(env, "[sync]"), syncer.Config{
		DelayBlocks:       viper.GetUint64("delay_blocks"),
		RollbackLookback:  viper.GetUint64("rollback_lookback"),
		MaxRollbackBlocks: viper.GetUint64("max_rollback_blocks"),
	}, c, lgr, tracked)

	bench := metrics.NewBench(env.MetricsRegistry())
	metrics.Start(env)

	w := workflow.New(env, workflow.Params{
		IdleInterval:    time.Duration(viper.GetInt64("client.idle_interval")) * time.Millisecond,
		SuccessInterval: time.Duration(viper.GetInt64("client.success_interval")) * time.Millisecond,
		FailureInterval: time.Duration(viper.GetInt64("client.failure_interval")) * time.Millisecond,
	}, lgr, engine, generator, registry, accounts, c, bench)
	go w.Run()

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-killChan
		env.Log().Infof("caught signal %v, stopping", sig)
		env.Stop()
	}()

	<-env.Ctx().Done()
	env.Wait()
}

// makeAccounts turns metadata records into signing accounts with selection
// weights from the generator.locks_weights config block
func makeAccounts(registry *signer.Registry, metadata *store.Metadata) []*ledger.Account {
	ret := make([]*ledger.Account, 0, len(metadata.Accounts))
	totalWeight := 0
	for i, rec := range metadata.Accounts {
		weight := viper.GetInt("generator.locks_weights." + rec.Scheme.String())
		glb.Assertf(weight >= 0, "negative weight for lock '%s'", rec.Scheme.String())
		account, err := registry.NewAccount(rec.Scheme, rec.SecretKey, weight)
		if err != nil {
			glb.Fatalf("account #%d: %v", i, err)
		}
		totalWeight += weight
		ret = append(ret, account)
	}
	glb.Assertf(totalWeight > 0, "generator.locks_weights: all weights are zero")
	return ret
}

// checkChain refuses to run against a node serving a different chain than the
// one the data directory was provisioned for
func checkChain(c *client.Client, metadata *store.Metadata) {
	header, found, err := c.GetHeaderByHeight(metadata.StartBlock.Height)
	glb.AssertNoError(err)
	glb.Assertf(found, "the node does not have enough chain data: block %d not found", metadata.StartBlock.Height)
	glb.Assertf(header.Hash == metadata.StartBlock.Hash,
		"the node is not on the expected chain: block %d hash should be %s, got %s",
		metadata.StartBlock.Height, metadata.StartBlock.Hash.String(), header.Hash.String())
}
