package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/streamgazer/detection.report/internal/api"
	"github.com/streamgazer/detection.report/internal/config"
	"github.com/streamgazer/detection.report/internal/notify"
	"github.com/streamgazer/detection.report/internal/version"
	"github.com/streamgazer/detection.report/internal/vi/batch"
	"github.com/streamgazer/detection.report/internal/vi/storage/sqlite"
	"github.com/streamgazer/detection.report/internal/vi/track"
)

var (
	listen     = flag.String("listen", ":8080", "Listen address")
	configPath = flag.String("config", "", "Path to tuning config JSON (default: "+config.DefaultConfigPath+")")
	dbFile     = flag.String("db", "detection_summaries.db", "Path to summary archive database (empty to disable)")
	slackURL   = flag.String("slack-url", "", "Slack webhook URL (overrides config and SLACK_WEBHOOK_URL)")
	dryRun     = flag.Bool("dry-run", false, "Process webhooks but skip Slack delivery")
)

func loadConfig() *config.TuningConfig {
	if *configPath != "" {
		cfg, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		log.Printf("Loaded tuning config from %s", *configPath)
		return cfg
	}
	if cfg, err := config.LoadTuningConfig(config.DefaultConfigPath); err == nil {
		return cfg
	}
	// Running outside the repo tree: every parameter has a baked-in
	// default, so an absent defaults file is fine.
	return config.EmptyTuningConfig()
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	log.Printf("detection.report %s (%s, built %s) starting", version.Version, version.GitSHA, version.BuildTime)

	cfg := loadConfig()
	if *slackURL != "" {
		cfg.SlackWebhookURL = slackURL
	}

	webhookURL := cfg.GetSlackWebhookURL()
	if *dryRun {
		// An unconfigured notifier logs and skips every delivery.
		log.Print("Dry run: Slack delivery disabled")
		webhookURL = ""
	} else if webhookURL == "" {
		log.Print("No Slack webhook configured; summaries and notifications will not be delivered to Slack")
	}
	notifier := notify.NewSlackNotifier(webhookURL, nil)

	var store *sqlite.SummaryStore
	deliverers := batch.MultiDeliverer{notifier}
	if *dbFile != "" {
		var err error
		store, err = sqlite.NewSummaryStore(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open summary archive %s: %v", *dbFile, err)
		}
		defer store.Close()
		deliverers = append(deliverers, store)
	}

	batcher := batch.New(batch.Config{
		Window:       cfg.GetBatchWindow(),
		MaxBatchSize: cfg.GetMaxBatchSize(),
		Tracker: track.Config{
			IoUThreshold: cfg.GetIoUThreshold(),
			ExpiryFrames: int64(cfg.GetTrackExpiryFrames()),
		},
	}, deliverers, nil)

	// The api package sees a nil interface, not a nil *SummaryStore,
	// when the archive is disabled.
	var lister api.SummaryLister
	if store != nil {
		lister = store
	}
	srv := api.NewServer(batcher, notifier, lister, cfg)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(srv.ServeMux()),
		}

		go func() {
			log.Printf("Listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// HTTP is stopped, so no more ingests arrive; flush whatever is
	// still accumulated before the archive closes.
	batcher.Shutdown()

	stats := batcher.Stats()
	log.Printf("Graceful shutdown complete (%d flushes, %d summaries, %d delivery errors)",
		stats.Flushes, stats.Summaries, stats.DeliveryErrors)
}
