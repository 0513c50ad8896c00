package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"playbook-loop-go/internal/config"
	"playbook-loop-go/internal/db"
	"playbook-loop-go/internal/diarization"
	"playbook-loop-go/internal/finalizer"
	"playbook-loop-go/internal/httpapi"
	"playbook-loop-go/internal/improvement"
	"playbook-loop-go/internal/logger"
	"playbook-loop-go/internal/processor"
	"playbook-loop-go/internal/reconciler"
	"playbook-loop-go/internal/scorer"
	"playbook-loop-go/internal/voice"
)

func main() {
	log := logger.New()
	log.WithField("service", "playbook-loop-go").Info("starting service")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.Environment != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	conn, err := db.Init(cfg.DataDir)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer conn.Close()
	db.ConfigurePool(conn, cfg)
	store := db.New(conn)
	log.WithField("data_dir", cfg.DataDir).Info("database ready")

	voiceClient := voice.New(cfg.Voice, voice.WithLogger(log))
	diarizer := diarization.New(cfg.Diarization, diarization.WithLogger(log))
	rewriter := improvement.NewRewriteClient(cfg.Rewrite, nil, log)
	logConfigured(log, cfg)

	rec, err := reconciler.New(store, reconciler.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("failed to build reconciler")
	}
	trigger := improvement.NewTrigger(store, rewriter, cfg.ImprovementBatchSize,
		improvement.WithPaused(cfg.ImprovementPaused),
		improvement.WithLogger(log),
	)
	svc := processor.New(processor.Deps{
		Reconciler:     rec,
		Playbooks:      store,
		Voice:          voiceClient,
		Diarizer:       diarizer,
		Scorer:         scorer.New(),
		Trigger:        trigger,
		TriggerTimeout: cfg.TriggerTimeout,
		Log:            log,
	})
	fin := finalizer.New(svc.Saver(), cfg.FinalizeSchedule, finalizer.WithLogger(log))

	router := httpapi.NewRouter(httpapi.NewHandler(httpapi.Deps{
		Ingest:    svc,
		Finalizer: fin,
		Store:     store,
		Signer:    voiceClient,
		Trigger:   trigger,
		Log:       log,
	}))

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Fatal("server terminated")
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
	}
	// in-flight finalizations and trigger checks still write to the store
	fin.Wait()
	svc.Wait()
	log.Info("stopped")
}

func logConfigured(log *logger.Logger, cfg *config.Config) {
	log.WithField("voice", cfg.Voice.Configured()).
		WithField("voice_agent", cfg.Voice.AgentConfigured()).
		WithField("diarization", cfg.Diarization.Configured()).
		WithField("rewrite", cfg.Rewrite.Configured()).
		WithField("improvement_batch_size", cfg.ImprovementBatchSize).
		WithField("improvement_paused", cfg.ImprovementPaused).
		Info("external dependencies")
}
