package main

import (
	"fmt"
	"os"

	"github.com/cellbench/cellbench/init_cmd"
	"github.com/cellbench/cellbench/run_cmd"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "cellbench",
	Short: "a transaction bench for cell-model chains",
	Long: `cellbench continuously exercises a cell-model chain by synthesizing,
signing and submitting transactions against a live node, while keeping a local
cell ledger consistent with the possibly-reorganizing chain.
`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		initConfig()
	},
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config profile (default is cellbench.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose console output")
	err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	if err != nil {
		panic(err)
	}
	rootCmd.AddCommand(
		init_cmd.CmdInit(),
		run_cmd.CmdRun(),
	)
	rootCmd.InitDefaultHelpCmd()
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("cellbench")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		_, _ = fmt.Fprintf(os.Stderr, "Using config profile: %s\n", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
