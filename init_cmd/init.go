// Package init_cmd provisions a fresh bench data directory: it validates the
// metadata profile (accounts, lock scripts, chain anchor) and stores it in a
// new database. Run mode refuses to start without a provisioned directory.
package init_cmd

import (
	"os"

	"github.com/cellbench/cellbench/glb"
	"github.com/cellbench/cellbench/signer"
	"github.com/cellbench/cellbench/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func CmdInit() *cobra.Command {
	initCmd := &cobra.Command{
		Use:   "init",
		Args:  cobra.NoArgs,
		Short: "provisions a data directory from a metadata profile",
		Run:   runInitCommand,
	}
	initCmd.PersistentFlags().String("data_dir", "", "data directory to create")
	err := viper.BindPFlag("data_dir", initCmd.PersistentFlags().Lookup("data_dir"))
	glb.AssertNoError(err)
	initCmd.PersistentFlags().String("metadata", "", "metadata profile (YAML)")
	err = viper.BindPFlag("metadata", initCmd.PersistentFlags().Lookup("metadata"))
	glb.AssertNoError(err)
	return initCmd
}

func runInitCommand(_ *cobra.Command, _ []string) {
	dataDir := viper.GetString("data_dir")
	glb.Assertf(dataDir != "", "data_dir not specified")
	metadataFile := viper.GetString("metadata")
	glb.Assertf(metadataFile != "", "metadata profile not specified")

	data, err := os.ReadFile(metadataFile)
	glb.AssertNoError(err)
	metadata, err := store.MetadataFromYAML(data)
	glb.AssertNoError(err)
	glb.Assertf(len(metadata.Accounts) > 0, "metadata profile contains no accounts")

	// reject broken key material before anything is persisted
	registry := signer.NewRegistry()
	for i, a := range metadata.Accounts {
		account, err := registry.NewAccount(a.Scheme, a.SecretKey, 1)
		if err != nil {
			glb.Fatalf("account #%d: %v", i, err)
		}
		glb.Verbosef("account #%d: scheme %s, id %s", i, a.Scheme.String(), account.ID.Short())
	}

	stg, err := store.Init(dataDir)
	glb.AssertNoError(err)
	defer func() { _ = stg.Close() }()

	err = stg.SaveMetadata(metadata.YAML())
	glb.AssertNoError(err)

	glb.Infof("data directory '%s' has been provisioned successfully", dataDir)
	glb.Infof("chain anchor: block %d, hash %s", metadata.StartBlock.Height, metadata.StartBlock.Hash.String())
	glb.Infof("%d accounts, %d lock scripts", len(metadata.Accounts), len(metadata.LockScripts))
}
