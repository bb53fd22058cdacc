package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/dmsync/internal/config"
	"github.com/omochice/dmsync/internal/logging"
	"github.com/omochice/dmsync/internal/server"
	"github.com/omochice/dmsync/internal/server/store"
)

const shutdownTimeout = 5 * time.Second

// demoUsers are served when the config lists no users.
var demoUsers = []config.UserConfig{
	{ID: 1, Username: "alice", FullName: "Alice", Token: "alice-token"},
	{ID: 2, Username: "bob", FullName: "Bob", Token: "bob-token"},
	{ID: 3, Username: "carol", FullName: "Carol", Token: "carol-token"},
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "dmserver",
		Short:         "Reference direct-message server",
		SilenceUsage:  true,
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var (
		configPath string
		addr       string
		dbPath     string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and websocket endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("db") {
				cfg.DB = dbPath
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if len(cfg.Users) == 0 {
				cfg.Users = demoUsers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logging.Configure(cfg.Log)
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML or TOML config file")
	cmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default: in-memory store)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

func openStore(path string) (store.Store, error) {
	if path == "" {
		return store.NewMemory(), nil
	}
	return store.NewSQLite(path)
}

func serve(ctx context.Context, cfg config.ServerConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := server.New(ctx, cfg.Addr, st, cfg.Users)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	for _, u := range cfg.Users {
		log.Info().Int64("id", u.ID).Str("username", u.Username).Msg("user enabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	return g.Wait()
}
