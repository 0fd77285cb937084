package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wlcxs123/prd-system-sub000/internal/api"
	"github.com/wlcxs123/prd-system-sub000/internal/metrics"
	"github.com/wlcxs123/prd-system-sub000/internal/middleware"
	"github.com/wlcxs123/prd-system-sub000/internal/questionnaire"
	"github.com/wlcxs123/prd-system-sub000/internal/services"
	"github.com/wlcxs123/prd-system-sub000/internal/utils"
)

var allowedOrigins []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringSliceVar(&allowedOrigins, "cors-origin", utils.EnvList("CORS_ORIGINS"), "allowed CORS origins (default any)")
}

func runServe(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	signer := middleware.NewSigner(cfg.SecretKey)
	audit := services.NewAuditService(store, log)
	audit.SetRecorder(m)
	q := services.NewQuestionnaireService(store, audit, questionnaire.Default(), log)
	q.SetRecorder(m)
	auth := services.NewAuthService(store, audit, signer.SignToken, cfg.SessionTTL)

	handler := api.NewServer(api.Deps{
		Questionnaires: q,
		Audit:          audit,
		Auth:           auth,
		Signer:         signer,
		Metrics:        m,
		DB:             store,
		Logger:         log,
		Production:     cfg.IsProduction(),
		AllowedOrigins: allowedOrigins,
		Version:        version,
	}).Routes()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", srv.Addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
