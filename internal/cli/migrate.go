package cli

import (
	"github.com/spf13/cobra"

	sqlstore "github.com/bcnelson/stack-provisioner/internal/storage/sql"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger := fromContext(cmd.Context())

			if err := ensureDataDir(cfg.Database.Driver, cfg.Database.DSN); err != nil {
				return err
			}

			db, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := sqlstore.Migrate(db.DB, cfg.Database.Driver); err != nil {
				return err
			}

			logger.Info("database migrated", "driver", cfg.Database.Driver)
			return nil
		},
	}
}
