package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hbpg/hbpg/internal/dbx"
	"github.com/hbpg/hbpg/internal/jobqueue"
	"github.com/hbpg/hbpg/internal/migrate"
	"github.com/hbpg/hbpg/internal/persist"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Inspect and drive the migration ledger",
}

var migrateGroupFlag string
var migrateDryRunFlag bool
var migrateInconsistentFlag bool

var migrateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Reconcile the declared migration list against the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		gw, err := openGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close()

		engine := builtinEngine(gw)

		groups, err := parseGroupFlag(migrateGroupFlag)
		if err != nil {
			return err
		}

		if err := engine.Apply(ctx, groups, migrateDryRunFlag); err != nil {
			return err
		}
		cmd.Println("migrations applied")
		return nil
	},
}

var migrateRevertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Revert applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		gw, err := openGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close()

		engine := builtinEngine(gw)

		groups, err := parseGroupFlag(migrateGroupFlag)
		if err != nil {
			return err
		}

		if migrateInconsistentFlag {
			err = engine.RevertInconsistent(ctx, groups, migrateDryRunFlag)
		} else {
			err = engine.Revert(ctx, groups, migrateDryRunFlag)
		}
		if err != nil {
			return err
		}
		cmd.Println("revert complete")
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether pending changes exist without applying them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		gw, err := openGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close()

		engine := builtinEngine(gw)

		groups, err := parseGroupFlag(migrateGroupFlag)
		if err != nil {
			return err
		}

		err = engine.Apply(ctx, groups, true)
		switch {
		case err == nil:
			cmd.Println("up to date")
		case err == migrate.ErrRequiresChanges:
			cmd.Println("pending changes")
		default:
			return err
		}
		return nil
	},
}

func parseGroupFlag(raw string) ([]migrate.Group, error) {
	if raw == "" {
		return nil, nil
	}
	return []migrate.Group{migrate.Group(raw)}, nil
}

// builtinEngine returns an engine declared with hbpg's own library
// migrations. Host applications embedding hbpg additionally Add their
// own migrations in-process; hbctl, being an out-of-process operator
// tool, can only see the library's built-in schema.
func builtinEngine(gw *dbx.Gateway) *migrate.Migrations {
	engine := migrate.New(gw, nil)
	for _, d := range persist.Migrations() {
		engine.Add(d)
	}
	for _, d := range jobqueue.Migrations() {
		engine.Add(d)
	}
	return engine
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrateGroupFlag, "group", "", "restrict to one migration group (default: all)")
	migrateApplyCmd.Flags().BoolVar(&migrateDryRunFlag, "dry-run", false, "report pending changes without applying them")
	migrateRevertCmd.Flags().BoolVar(&migrateDryRunFlag, "dry-run", false, "report what would be reverted without reverting")
	migrateRevertCmd.Flags().BoolVar(&migrateInconsistentFlag, "inconsistent", false, "revert only the divergent tail beyond the declared list")

	migrateCmd.AddCommand(migrateApplyCmd, migrateRevertCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
