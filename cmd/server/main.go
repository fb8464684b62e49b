package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"meshmap/internal/config"
	"meshmap/internal/handler"
	"meshmap/internal/hub"
	"meshmap/internal/ingest"
	"meshmap/internal/observability"
	"meshmap/internal/repository/sqlite"
	"meshmap/internal/service"
)

// flags holds the command line overrides. Every flag can also be set via a
// MESHMAP_ prefixed environment variable; the YAML config file carries the
// rest.
type flags struct {
	configPath string
	addr       string
	dbPath     string
	broker     string
}

func parseFlags() (flags, error) {
	fs := flag.NewFlagSet("meshmap", flag.ExitOnError)

	var f flags
	fs.StringVar(&f.configPath, "config", "", "YAML config file path")
	fs.StringVar(&f.addr, "addr", "", "HTTP listen address (overrides config)")
	fs.StringVar(&f.dbPath, "db", "", "SQLite database path (overrides config)")
	fs.StringVar(&f.broker, "broker", "", "MQTT broker host (overrides config)")

	err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("MESHMAP"))
	return f, err
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	f, err := parseFlags()
	if err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if f.addr != "" {
		cfg.HTTP.Listen = f.addr
	}
	if f.dbPath != "" {
		cfg.Database.Path = f.dbPath
	}
	if f.broker != "" {
		cfg.MQTT.Broker = f.broker
	}

	key, err := cfg.ChannelKey()
	if err != nil {
		log.Fatalf("Invalid channel key: %v", err)
	}

	log.Println("Starting meshmap server...")

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	log.Printf("Database opened: %s", cfg.Database.Path)

	stream := hub.New()
	go stream.Run()
	defer stream.Shutdown()

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewCollector(reg)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}
	if err := metrics.RegisterHubGauges(reg, stream.SubscriberCount, stream.Evictions, stream.Drops); err != nil {
		log.Fatalf("Failed to register stream metrics: %v", err)
	}

	pipeline := ingest.New(store, stream, metrics, key, cfg.Ingest.Workers, cfg.Ingest.QueueSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.Run(ctx)
	})

	source, err := ingest.NewMQTTSource(ingest.MQTTConfig{
		Broker:    cfg.MQTT.Broker,
		Port:      cfg.MQTT.Port,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		RootTopic: cfg.MQTT.RootTopic,
		ClientID:  cfg.MQTT.ClientID,
	}, pipeline.Submit)
	if err != nil {
		log.Fatalf("Failed to connect to MQTT broker: %v", err)
	}
	defer source.Close()
	g.Go(func() error {
		// Intake stops first so the pipeline can drain what it already
		// accepted.
		<-ctx.Done()
		source.Close()
		return nil
	})

	svc := service.New(store, cfg.Ingest.Freshness.Duration())
	api := handler.NewAPIHandler(svc, stream)

	mux := api.Routes()
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         cfg.HTTP.Listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		log.Printf("Server listening on %s", cfg.HTTP.Listen)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Server error: %v", err)
	}
	log.Println("Server stopped")
}
