package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("schema up to date", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configured pipelines and their steps",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			return printJSON(map[string]any{
				"breakers": e.Adapter.BreakerStates(),
				"store":    cfg.Store.Driver,
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, statusCmd)
}
