// Command folio serves paginated document rendering over HTTP: page list
// loading with retry, on-demand page rasterization, and a bounded in-memory
// window of rendered bitmaps per document.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/foliolab/folio/browserviz"
	"github.com/foliolab/folio/dbopen"
	"github.com/foliolab/folio/engine"
	"github.com/foliolab/folio/httpmw"
	"github.com/foliolab/folio/observability"
	"github.com/foliolab/folio/pagestore"
)

func main() {
	cfg := &Config{}
	if path := os.Getenv("CONFIG"); path != "" {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			slog.Error("load config", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.applyEnv()
	cfg.defaults()

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Metadata DB: cached page lists.
	metaDB, err := dbopen.Open(cfg.MetadataDB, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("metadata db", "error", err)
		os.Exit(1)
	}
	defer metaDB.Close()
	cache := pagestore.NewCache(metaDB)
	if err := cache.Init(ctx); err != nil {
		slog.Error("metadata schema", "error", err)
		os.Exit(1)
	}

	// Observability DB: render events and metrics, kept off the hot path.
	obsDB, err := dbopen.Open(cfg.ObservabilityDB, dbopen.WithMkdirAll(), dbopen.WithSynchronous("OFF"))
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(ctx, obsDB); err != nil {
		slog.Error("observability schema", "error", err)
		os.Exit(1)
	}
	events := observability.NewEventLog(obsDB)
	metrics := observability.NewMetrics(obsDB, 100, 5*time.Second)
	defer metrics.Close()

	// Engine selection: local PDFs from disk, or a remote conversion engine.
	var (
		api    engine.MetadataAPI
		conv   engine.Converter
		source engine.ImageSource
		imager *engine.BrowserImager
	)
	if cfg.Engine.LocalDir != "" {
		local := &engine.Local{
			Dir:     cfg.Engine.LocalDir,
			BaseURL: "http://localhost:" + cfg.Port,
		}
		api, conv = local, local

		if cfg.Browser.Enabled {
			mgr := browserviz.NewManager(browserviz.ManagerConfig{RemoteURL: cfg.Browser.RemoteURL})
			browser, err := mgr.Start(ctx)
			if err != nil {
				slog.Error("browser start", "error", err)
				os.Exit(1)
			}
			defer mgr.Close()
			imager = &engine.BrowserImager{Dir: cfg.Engine.LocalDir, Browser: browser}
			source = imager
		} else {
			slog.Warn("local engine without browser: page rendering disabled, metadata only")
			source = engine.NewClient(engine.Config{Timeout: cfg.Engine.Timeout})
		}
	} else {
		client := engine.NewClient(engine.Config{
			BaseURL:       cfg.Engine.BaseURL,
			Timeout:       cfg.Engine.Timeout,
			MaxImageBytes: cfg.Engine.MaxImageBytes,
		})
		api, conv, source = client, client, client
	}

	srv := newServer(cfg, api, conv, source, imager, cache, events, metrics)

	limiter := httpmw.NewRateLimiter([]httpmw.RateLimit{
		{PathPrefix: "/documents", MaxRequests: 120, WindowSeconds: 60},
	})
	limiter.StartGC(ctx.Done())

	r := chi.NewRouter()
	r.Use(httpmw.RequestID)
	r.Use(httpmw.SecurityHeaders(httpmw.DefaultHeaders()))
	r.Use(httpmw.MaxJSONBody(64 * 1024))
	r.Use(limiter.Middleware)
	srv.routes(r)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}
