// Package cmd implements hbctl's cobra command tree.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hbpg/hbpg/internal/dbx"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hbctl",
	Short: "hbctl operates a hbpg deployment's migrations and job queue",
	Long: `hbctl is the command-line interface for hbpg, a Postgres-backed
migration engine and durable job queue.

Unlike a control-plane client, hbctl talks directly to the database:
there is no HTTP API to front it. Point it at the same DATABASE_URL your
hbworker processes use.

Common workflows:

  Check migration status:
    hbctl migrate status

  Apply pending migrations:
    hbctl migrate apply

  Revert a divergent tail after a rollback:
    hbctl migrate revert --inconsistent

  Push a job:
    hbctl queue push --payload 'greet:ada'

  List jobs stuck in a status:
    hbctl queue jobs --status failed

Configuration:
  Set the database URL via environment variable or config file:
    HB_DATABASE_URL    Postgres connection string (required)`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".hbctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("HB")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hbctl.yaml)")

	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string")
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
}

// openGateway is shared by every subcommand that touches the database.
func openGateway(ctx context.Context) (*dbx.Gateway, error) {
	url := viper.GetString("database_url")
	if url == "" {
		return nil, fmt.Errorf("database URL not set; pass --database-url or set HB_DATABASE_URL")
	}
	return dbx.Open(ctx, url)
}
