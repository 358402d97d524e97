package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/chat-raffle/internal/admin"
	"github.com/you/chat-raffle/internal/apikey"
	"github.com/you/chat-raffle/internal/config"
	"github.com/you/chat-raffle/internal/httpapi"
	"github.com/you/chat-raffle/internal/store"
	"github.com/you/chat-raffle/internal/version"
	"github.com/you/chat-raffle/internal/ytapi"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("raffled: .env: %v", err)
	}

	var (
		versionFlag bool
		dbPath      string
		httpAddr    string
		corsOrigins string
		rateRPS     int
		rateBurst   int
		gzipFlag    bool
		apiKey      string
		apiKeyFile  string
		maxEntries  int
		maxFetch    int
		startURL    string
		debugTrace  bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&dbPath, "sqlite", "", "Path to SQLite database file")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API address (e.g., :8000)")
	flag.StringVar(&corsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&rateRPS, "http-rate-rps", 0, "Maximum HTTP requests per second per client (0 disables)")
	flag.IntVar(&rateBurst, "http-rate-burst", 0, "Burst size for HTTP rate limiter")
	flag.BoolVar(&gzipFlag, "http-gzip", true, "Compress HTTP responses when clients accept gzip")
	flag.StringVar(&apiKey, "yt-api-key", "", "YouTube Data API v3 key")
	flag.StringVar(&apiKeyFile, "yt-api-key-file", "", "Path to file containing the YouTube API key")
	flag.IntVar(&maxEntries, "max-entries", 0, "Maximum raffle entries per author")
	flag.IntVar(&maxFetch, "max-fetch", 0, "Maximum messages for a one-shot raffle")
	flag.StringVar(&startURL, "start-url", "", "Start collecting this live URL immediately")
	flag.BoolVar(&debugTrace, "debug-trace", false, "Trace individual messages through the pipeline")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"raffled version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["sqlite"] {
		cfg.Store.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
			}
		}
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateLimitRPS = rateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateLimitBurst = rateBurst
	}
	if overrides["http-gzip"] {
		cfg.HTTP.Gzip = gzipFlag
	}
	if overrides["yt-api-key"] {
		cfg.YouTube.APIKey = strings.TrimSpace(apiKey)
	}
	if overrides["yt-api-key-file"] {
		cfg.YouTube.APIKeyFile = strings.TrimSpace(apiKeyFile)
	}
	if overrides["max-entries"] && maxEntries > 0 {
		cfg.Raffle.MaxEntries = maxEntries
	}
	if overrides["max-fetch"] && maxFetch > 0 {
		cfg.Raffle.MaxFetch = maxFetch
	}
	if overrides["debug-trace"] {
		cfg.Debug.Trace = debugTrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("raffled: received %s, shutting down", sig)
		cancel()
	}()

	keeper, err := apikey.New(cfg.YouTube.APIKey, cfg.YouTube.APIKeyFile)
	if err != nil {
		log.Fatalf("raffled: api key: %v", err)
	}
	if err := keeper.Watch(); err != nil {
		log.Printf("raffled: api key watch: %v", err)
	}

	db, err := store.OpenSQLite(cfg.Store.SQLitePath)
	if err != nil {
		log.Fatalf("raffled: open sqlite: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("raffled: closing store: %v", err)
		}
	}()
	if err := db.Ping(); err != nil {
		log.Fatalf("raffled: ping sqlite: %v", err)
	}
	if err := migrateSQLite(ctx, db.RawDB()); err != nil {
		log.Fatalf("raffled: sqlite migrate: %v", err)
	}

	yt := ytapi.New(ytapi.Config{
		KeyProvider: keeper.Current,
		RPS:         float64(cfg.YouTube.RPS),
	})

	app := newApp(ctx, appOptions{
		store:      db,
		source:     yt,
		batchSize:  cfg.Store.BatchSize,
		flushEvery: cfg.FlushInterval(),
		debugTrace: cfg.Debug.Trace,
	})

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}

	api := httpapi.New(db, yt, app, httpapi.Options{
		Addr:           cfg.HTTP.Addr,
		Build:          build,
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		EnableGzip:     cfg.HTTP.Gzip,
		MaxFetch:       cfg.Raffle.MaxFetch,
		MaxEntries:     cfg.Raffle.MaxEntries,
		ConfigSummary:  cfg.Summary(),
		RequestTimeout: cfg.RequestTimeout(),
	})
	app.SetAPI(api)
	admin.New(keeper).Register(api.Mux())

	go func() {
		if err := api.Start(); err != nil {
			log.Fatalf("raffled: http api: %v", err)
		}
	}()
	log.Printf("raffled: http api ready on %s", cfg.HTTP.Addr)

	if startURL != "" {
		if _, err := app.StartCollector(ctx, startURL); err != nil {
			log.Printf("raffled: start collector: %v", err)
		}
	}

	<-ctx.Done()

	app.StopCollector()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("raffled: http shutdown: %v", err)
	}
}
