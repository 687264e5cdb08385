package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"circulation/internal/config"
	"circulation/internal/handlers"
	"circulation/internal/notify"
	"circulation/internal/repositories"
	"circulation/internal/services"
	"circulation/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "libraryd",
		Short:        "Library circulation service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Migrate the store and serve the HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				st, err := store.Open(cfg.Database)
				if err != nil {
					return err
				}
				defer st.Close()
				return st.Migrate()
			},
		},
	)
	return root
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}

	db := st.DB()
	repos := repositories.NewSet(db)

	// Every notification is logged; the most recent are kept for GET /notifications.
	feed := notify.NewRecorder(cfg.Notification.FeedSize)
	sink := notify.Multi{notify.LogSink{}, feed}
	notifier := services.NewReservationNotifier(db, repos.Books, repos.Reservations, sink, cfg.Notification.Channel, cfg.Database.TxTimeout)

	libraryService := services.NewLibraryService(db, repos, notifier, services.Options{
		DailyRate: &cfg.Fines.DailyRate,
		TxTimeout: cfg.Database.TxTimeout,
	})

	router := gin.Default()
	handlers.RegisterRoutes(router, libraryService, feed)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on %s (store=%s)", cfg.Server.Addr, st.Driver())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
