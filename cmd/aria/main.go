package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ent0n29/aria/internal/audio"
	"github.com/ent0n29/aria/internal/config"
	"github.com/ent0n29/aria/internal/httpapi"
	"github.com/ent0n29/aria/internal/memory"
	"github.com/ent0n29/aria/internal/observability"
	"github.com/ent0n29/aria/internal/orchestrator"
	"github.com/ent0n29/aria/internal/overlay"
	"github.com/ent0n29/aria/internal/realtime"
	"github.com/ent0n29/aria/internal/transcribe"
	"github.com/ent0n29/aria/internal/trigger"
	"github.com/ent0n29/aria/internal/turn"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv load: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	var store memory.Store
	if cfg.MemoryEnabled {
		store, err = memory.NewStore(ctx, cfg.DatabaseURL, cfg.MemoryFile, memory.Limits{
			MaxMessages: cfg.MemoryMaxMessages,
			MaxAge:      cfg.MemoryMaxAge,
		})
		if err != nil {
			log.Fatalf("memory store init failed: %v", err)
		}
		defer store.Close()
	}

	var transcriber transcribe.Transcriber
	if strings.TrimSpace(cfg.APIKey) != "" {
		transcriber = transcribe.NewWhisper(cfg.APIKey)
	} else {
		log.Printf("transcription disabled: no API key configured")
		transcriber = transcribe.Disabled{}
	}

	if err := audio.InitHost(); err != nil {
		log.Fatalf("audio host init failed: %v", err)
	}
	defer func() {
		if err := audio.TerminateHost(); err != nil {
			log.Printf("audio host terminate: %v", err)
		}
	}()

	pipeline := audio.NewPipeline(
		audio.NewPortAudioInput(cfg.SampleRate, cfg.ChunkSamples),
		audio.NewPortAudioOutput(cfg.SampleRate, cfg.ChunkSamples),
		cfg.ChunkSamples,
	)
	defer pipeline.Close()

	dial := realtime.NewWebsocketDialer(cfg)
	sessions := orchestrator.New(cfg, store, overlay.NewConsole(), metrics, func(preamble string) orchestrator.Session {
		return realtime.NewClient(realtime.Options{
			Config:   cfg,
			Preamble: preamble,
			Dial:     dial,
			Pipeline: pipeline,
			Detector: turn.NewDetector(turn.Config{
				Mode:          cfg.TurnDetection,
				SampleRate:    cfg.SampleRate,
				SilenceWindow: cfg.SilenceWindow,
				RMSLimit:      cfg.SilenceRMSLimit,
			}),
			Store:       store,
			Transcriber: transcriber,
			Metrics:     metrics,
		})
	})

	api := httpapi.New(cfg, store)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	go func() {
		log.Printf("debug server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	keys := trigger.NewKeyboard(cfg.TriggerKey)
	triggerDone := make(chan error, 1)
	go func() { triggerDone <- keys.Run(runCtx) }()

	orchestratorDone := make(chan struct{})
	go func() {
		sessions.Run(runCtx, keys.Events())
		close(orchestratorDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Printf("shutdown signal received")
	case err := <-triggerDone:
		if err != nil {
			log.Printf("trigger listener stopped: %v", err)
		} else {
			log.Printf("quit requested")
		}
	}

	runCancel()
	select {
	case <-orchestratorDone:
	case <-time.After(cfg.ShutdownTimeout):
		log.Printf("session did not stop within %s", cfg.ShutdownTimeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
