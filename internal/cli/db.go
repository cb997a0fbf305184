package cli

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"departureboard/internal/db"
	"departureboard/internal/refdata"
)

func newDBCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create the database named in DATABASE_URL if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			created, err := db.EnsureDatabase(cmd.Context(), a.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			name, _ := db.DBName(a.cfg.DatabaseURL)
			if created {
				fmt.Fprintf(a.out, "created database %s\n", name)
			} else {
				fmt.Fprintf(a.out, "database %s already exists\n", name)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(cmd.Context(), func(sqlDB *sql.DB) error {
				if err := db.Migrate(cmd.Context(), sqlDB); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "schema up to date")
				return nil
			})
		},
	})
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var (
		dir   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import the stop and line reference dataset",
		Long:  "Imports stops.json and lines.json from --dir, or the bundled dataset. Unchanged datasets are skipped unless --force is given.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = a.cfg.ReferenceDataPath
			}
			ds, err := refdata.Load(dir)
			if err != nil {
				return err
			}
			return a.withDB(cmd.Context(), func(sqlDB *sql.DB) error {
				ctx := cmd.Context()
				if err := db.Migrate(ctx, sqlDB); err != nil {
					return err
				}
				st, imported, err := db.ImportIfChanged(ctx, sqlDB, ds, force)
				if err != nil {
					return err
				}
				if !imported {
					fmt.Fprintf(a.out, "dataset %s already imported\n", st.Version)
					return nil
				}
				fmt.Fprintf(a.out, "imported dataset %s: %d stops, %d lines, %d line stops\n", st.Version, st.Stops, st.Lines, st.LineStops)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory holding stops.json and lines.json (default: bundled)")
	cmd.Flags().BoolVar(&force, "force", false, "import even when the dataset version is unchanged")
	return cmd
}

func (a *app) withDB(ctx context.Context, fn func(*sql.DB) error) error {
	sqlDB, err := a.openDB(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return fn(sqlDB)
}
