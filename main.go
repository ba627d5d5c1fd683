package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breez/partial-sync/config"
	"github.com/breez/partial-sync/logging"
	"github.com/breez/partial-sync/reconcile"
	"github.com/breez/partial-sync/store"
	"github.com/breez/partial-sync/store/postgres"
	"github.com/breez/partial-sync/store/sqlite"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "partial-sync",
		Short:        "Reconcile partial update notifications into a local replica",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), newApplyCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept change notifications over HTTP and stream applied changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			config, logger, storage, fetcher, err := setup(ctx)
			if err != nil {
				return err
			}
			defer storage.Close()

			quitChan := make(chan struct{})
			defer close(quitChan)
			intakeServer := NewIntakeServer(config, storage, fetcher, logger)
			intakeServer.Start(quitChan)

			httpServer := &http.Server{
				Addr:              config.HTTPListenAddress,
				Handler:           intakeServer.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errChan := make(chan error, 1)
			go func() {
				logger.Info().Str("address", config.HTTPListenAddress).Msg("server listening")
				errChan <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errChan:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("failed to serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info().Msg("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

func newApplyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apply [notification.json]",
		Short: "Reconcile one change notification and print the resulting change records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open notification: %w", err)
				}
				defer f.Close()
				input = f
			}
			var n reconcile.ChangeNotification
			if err := json.NewDecoder(input).Decode(&n); err != nil {
				return fmt.Errorf("failed to decode notification: %w", err)
			}

			_, logger, storage, fetcher, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer storage.Close()

			records, err := reconcile.New(storage, fetcher, reconcile.WithLogger(logger)).Process(cmd.Context(), n)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			for _, record := range records {
				if err := encoder.Encode(record); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func setup(ctx context.Context) (*config.Config, zerolog.Logger, store.LocalStorage, reconcile.Fetcher, error) {
	config, err := config.NewConfig()
	if err != nil {
		return nil, zerolog.Nop(), nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(config)

	storage, err := openStorage(config)
	if err != nil {
		return nil, logger, nil, nil, err
	}
	for _, name := range config.Tables() {
		if err := storage.CreateTable(ctx, name); err != nil {
			storage.Close()
			return nil, logger, nil, nil, err
		}
	}

	fetcher, err := reconcile.NewHTTPFetcher(config.SyncServerURL, nil)
	if err != nil {
		storage.Close()
		return nil, logger, nil, nil, err
	}
	return config, logger, storage, fetcher, nil
}

func openStorage(config *config.Config) (store.LocalStorage, error) {
	if config.PgDatabaseUrl != "" {
		storage, err := postgres.NewPGLocalStorage(config.PgDatabaseUrl)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres replica: %w", err)
		}
		return storage, nil
	}
	storage, err := sqlite.NewSQLiteLocalStorage(config.LocalDatabase)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite replica: %w", err)
	}
	return storage, nil
}
