package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scan-job-queue/internal/cache"
	"scan-job-queue/internal/client"
	"scan-job-queue/internal/config"
	"scan-job-queue/internal/httpapi"
	"scan-job-queue/internal/otelsetup"
	"scan-job-queue/internal/queue"
	"scan-job-queue/internal/storage"
	"scan-job-queue/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// Metrics/tracing are best-effort; the queue runs fine without them.
	otelShutdown, err := otelsetup.InitOTel(ctx)
	if err != nil {
		log.Printf("otel init failed, continuing without telemetry: %v", err)
		otelShutdown = nil
	}

	var kv storage.KV
	sqliteKV, err := storage.OpenSQLiteKV(cfg.DB.Path)
	if err != nil {
		log.Printf("failed to open store at %s, falling back to memory: %v", cfg.DB.Path, err)
		kv = storage.NewMemoryKV()
	} else {
		kv = sqliteKV
		defer sqliteKV.Close()
	}

	store := storage.NewJobStore(kv, cfg.Queue.CompletedHistory)
	device := client.NewDeviceIdentity(kv)

	recognition := client.NewRecognitionClient(cfg.Services.RecognitionURL, cfg.Services.RecognitionKey, cfg.Services.Timeout)
	images := client.NewImageClient(cfg.Services.ImageURL, cfg.Services.ImageKey, cfg.Services.Timeout)
	procs := queue.NewProcessorSet(queue.ProcessorDeps{
		Creator:  recognition,
		Parser:   recognition,
		Uploader: images,
		Encoder:  &client.Base64FileEncoder{},
	})

	engine := queue.NewEngine(store, procs, device, queue.Config{
		MaxActive:   cfg.Queue.MaxActive,
		JobTimeout:  cfg.Queue.JobTimeout,
		BackoffBase: cfg.Queue.BackoffBase,
		StuckGrace:  cfg.Queue.StuckGrace,
		StuckHard:   cfg.Queue.StuckHard,
	})

	aggregator := workflow.NewAggregator(workflow.NewMemoryHistory())
	aggregator.Attach(engine.Bus())
	defer aggregator.Close()

	invalidator := cache.NewInvalidator(
		cache.NewMemoryCache(cfg.Cache.TTL),
		cfg.Cache.PhotoSettle,
		cfg.Cache.IngredientDelay,
	)
	invalidator.Attach(engine.Bus())
	defer invalidator.Close()

	// Queue counters ride the same event stream the aggregator uses.
	engine.Bus().Subscribe(queue.EventJobAdded, func(queue.Event) {
		if otelsetup.JobsEnqueuedCounter != nil {
			otelsetup.JobsEnqueuedCounter.Add(ctx, 1)
		}
	})
	engine.Bus().Subscribe(queue.EventJobCompleted, func(queue.Event) {
		if otelsetup.JobsCompletedCounter != nil {
			otelsetup.JobsCompletedCounter.Add(ctx, 1)
		}
	})
	engine.Bus().Subscribe(queue.EventJobFailed, func(queue.Event) {
		if otelsetup.JobsFailedCounter != nil {
			otelsetup.JobsFailedCounter.Add(ctx, 1)
		}
	})

	// Load persisted jobs, recover any stuck in processing, start scheduling.
	if err := engine.Initialize(); err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}
	defer engine.Dispose()

	h := &httpapi.Handler{Engine: engine, Notifications: aggregator}
	r := httpapi.NewRouter(h)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("server starting on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	<-stop
	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	srv.Shutdown(shutdownCtx)
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}
	cancel()
	log.Println("bye")
}
