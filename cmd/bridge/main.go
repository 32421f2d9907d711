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

	"github.com/docflow/scanner-bridge/internal/agent"
	"github.com/docflow/scanner-bridge/internal/api"
	"github.com/docflow/scanner-bridge/internal/clock"
	"github.com/docflow/scanner-bridge/internal/config"
	"github.com/docflow/scanner-bridge/internal/discovery"
	"github.com/docflow/scanner-bridge/internal/events"
	"github.com/docflow/scanner-bridge/internal/logging"
	"github.com/docflow/scanner-bridge/internal/metrics"
	"github.com/docflow/scanner-bridge/internal/native"
	"github.com/docflow/scanner-bridge/internal/notify"
	"github.com/docflow/scanner-bridge/internal/vault"
	"github.com/docflow/scanner-bridge/internal/watcher"
)

var version = "dev"

const textfileInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("DocFlow Scanner Bridge " + version)
	fmt.Println("=============================================")
	fmt.Printf("BRIDGE_API_ADDR=%s\n", cfg.APIAddr)
	fmt.Printf("BRIDGE_POLL_INTERVAL=%s\n", cfg.PollInterval)
	fmt.Printf("BRIDGE_WATCH_INTERVAL=%s\n", cfg.WatchInterval)
	fmt.Printf("BRIDGE_VAULT_PATH=%s\n", cfg.VaultPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := vault.Open(cfg.VaultPath)
	if err != nil {
		log.Error("failed to open vault", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	clk := clock.Real{}
	bus := events.New()

	// Notification chain. The log notifier is always on; webhook and
	// MQTT join when configured.
	if cfg.WebhookURL != "" {
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	notifier := notify.Build(log, notify.Options{
		WebhookURL:     cfg.WebhookURL,
		WebhookHeaders: cfg.WebhookHeaders,
		WebhookEvents:  cfg.WebhookEvents,
		MQTTBroker:     cfg.MQTTBroker,
		MQTTTopic:      cfg.MQTTTopic,
		MQTTClientID:   cfg.MQTTClientID,
		MQTTUsername:   cfg.MQTTUsername,
		MQTTPassword:   cfg.MQTTPassword,
		MQTTQoS:        cfg.MQTTQoS,
		MQTTEvents:     cfg.MQTTEvents,
	})
	go notify.Forward(ctx, bus, notifier)

	finder := discovery.New(log, clk, discovery.Options{
		Window:       cfg.DiscoveryWindow,
		ProbeTimeout: cfg.ProbeTimeout,
		SweepTimeout: cfg.SweepTimeout,
	})
	finder.Native = native.Scanners

	bridge := agent.New(log, clk, store, bus, finder, agent.Options{
		Version:      version,
		PollInterval: cfg.PollInterval,
		Watcher:      watcher.Options{Interval: cfg.WatchInterval},
	})
	bridge.Boot()

	srv, err := api.NewServer(api.Deps{
		Bridge:       bridge,
		Bus:          bus,
		Store:        store,
		Log:          log,
		AuthDisabled: !cfg.APIAuth,
	})
	if err != nil {
		log.Error("failed to set up shell api", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := srv.ListenAndServe(cfg.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("shell api error", "error", err)
		}
	}()

	if cfg.RediscoverCron != "" {
		schedule, err := config.CronParser.Parse(cfg.RediscoverCron)
		if err != nil {
			// Validate already rejected bad expressions; unreachable.
			log.Error("invalid rediscover schedule", "error", err)
			os.Exit(1)
		}
		log.Info("scheduled rediscovery enabled", "cron", cfg.RediscoverCron)
		go rediscoverLoop(ctx, log, clk, schedule, bridge)
	}

	if cfg.MetricsTextfile != "" {
		log.Info("metrics textfile export enabled", "path", cfg.MetricsTextfile)
		go textfileLoop(ctx, log, clk, cfg.MetricsTextfile)
	}

	log.Info("bridge started", "version", version)

	<-ctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shell api shutdown failed", "error", err)
	}
	bridge.Shutdown()
	log.Info("bridge shutdown complete")
}

// scheduleNexter yields the next activation after t. robfig
// cron.Schedule satisfies it.
type scheduleNexter interface {
	Next(t time.Time) time.Time
}

// rediscoverLoop runs a discovery pass at every cron activation until
// ctx is cancelled.
func rediscoverLoop(ctx context.Context, log *logging.Logger, clk clock.Clock, schedule scheduleNexter, bridge *agent.Agent) {
	for {
		now := clk.Now()
		next := schedule.Next(now)
		select {
		case <-ctx.Done():
			return
		case <-clk.After(next.Sub(now)):
			log.Info("scheduled rediscovery starting")
			bridge.Discover(ctx)
		}
	}
}

// textfileLoop writes the Prometheus textfile on a fixed cadence so
// node_exporter can pick it up.
func textfileLoop(ctx context.Context, log *logging.Logger, clk clock.Clock, path string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(textfileInterval):
			if err := metrics.WriteTextfile(path); err != nil {
				log.Error("writing metrics textfile failed", "path", path, "error", err)
			}
		}
	}
}
