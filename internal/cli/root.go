// Package cli holds the departureboard command tree.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"departureboard/internal/config"
	"departureboard/internal/db"
	"departureboard/internal/keychain"
	"departureboard/internal/logging"
	"departureboard/internal/siri"
)

// app is shared by every subcommand. It is filled in by the root pre-run hook.
type app struct {
	version string
	cfg     *config.Config
	out     io.Writer

	// overridable in tests
	loadConfig func() (*config.Config, error)
	openDB     func(ctx context.Context, dsn string) (*sql.DB, error)
	keys       func(cfg *config.Config) keychain.Chain
}

func newApp(version string) *app {
	return &app{
		version:    version,
		out:        os.Stdout,
		loadConfig: config.Load,
		openDB:     openDB,
		keys:       defaultKeys,
	}
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return sqlDB, nil
}

// defaultKeys prefers SIRI_API_KEY over the OS keychain.
func defaultKeys(cfg *config.Config) keychain.Chain {
	return keychain.Chain{keychain.Env(cfg.APIKey), keychain.NewKeyring(cfg.KeyringService)}
}

func (a *app) siriClient(m siri.ClientMetrics) *siri.Client {
	opts := []siri.Option{}
	if m != nil {
		opts = append(opts, siri.WithMetrics(m))
	}
	return siri.NewClient(siri.Config{
		BaseURL:           a.cfg.SIRIBaseURL,
		Timeout:           a.cfg.HTTPTimeout,
		RequestsPerSecond: a.cfg.RequestsPerSecond,
	}, a.keys(a.cfg), opts...)
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	return newRootCmd(newApp(version))
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "departureboard",
		Short: "Upcoming departures for your favorite stops",
		Long: `departureboard keeps a list of favorite stops and lines, decides which of them
are relevant right now and publishes their next departures for a home-screen widget.`,
		Version:       a.version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			a.cfg = cfg
			a.out = cmd.OutOrStdout()
			logging.Setup(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(a),
		newDBCmd(a),
		newImportCmd(a),
		newFavoritesCmd(a),
		newDeparturesCmd(a),
		newAPIKeyCmd(a),
		newConvertCmd(a),
		newWidgetCmd(a),
	)
	return root
}

// Execute runs the CLI until ctx ends and returns the exit code.
func Execute(ctx context.Context, version string) int {
	if err := NewRootCmd(version).ExecuteContext(ctx); err != nil {
		slog.Debug("command failed", "err", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
