package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/railguard-data/railguard/internal/api"
	"github.com/railguard-data/railguard/internal/config"
	"github.com/railguard-data/railguard/internal/engine"
	"github.com/railguard-data/railguard/internal/store"
)

var (
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "SQLite database path (overrides config)")
	configPath = flag.String("config", "", "Path to JSON config file")
	scanEvery  = flag.Duration("scan-interval", 5*time.Second, "Background collision sweep interval")
	migrateCmd = flag.String("migrate", "", "Run a migration command (up, down, version) and exit")
)

func main() {
	flag.Parse()

	cfg := config.Empty()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	if _, err := cfg.FromEnv(); err != nil {
		log.Fatalf("failed to apply environment config: %v", err)
	}
	if *listen != "" {
		cfg.ListenAddr = listen
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if *migrateCmd != "" {
		runMigration(*migrateCmd, cfg.GetDBPath())
		return
	}

	st, err := store.Open(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, st)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}
	if err := eng.Catalog().SeedDefaults(ctx); err != nil {
		log.Fatalf("failed to seed default tracks: %v", err)
	}
	log.Printf("catalog ready: %d tracks, fleet of %d trains",
		eng.Catalog().Count(), len(eng.Registry().List()))

	var wg sync.WaitGroup

	// Background sweep: re-evaluate every locked track so alarms clear
	// even when a train goes quiet instead of stopping its trip.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(*scanEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, summary := range eng.Catalog().List() {
					if _, err := eng.Detector().Scan(ctx, summary.TrackID); err != nil {
						log.Printf("collision sweep on %s: %v", summary.TrackID, err)
					}
				}
			case <-ctx.Done():
				log.Print("collision sweep terminated")
				return
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    cfg.GetListenAddr(),
			Handler: api.LoggingMiddleware(api.NewServer(eng, st).ServeMux()),
		}

		go func() {
			log.Printf("listening on %s", cfg.GetListenAddr())
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
	log.Printf("graceful shutdown complete")
}

func runMigration(cmd, dbFile string) {
	st, err := store.OpenWithoutSchema(dbFile)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	switch cmd {
	case "up":
		if err := st.MigrateUp(); err != nil {
			log.Fatalf("migrate up: %v", err)
		}
		log.Print("migrations applied")
	case "down":
		if err := st.MigrateDown(); err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		log.Print("migrations rolled back")
	case "version":
		v, dirty, err := st.MigrateVersion()
		if err != nil {
			log.Fatalf("migrate version: %v", err)
		}
		log.Printf("schema version %d (dirty=%v)", v, dirty)
	default:
		log.Printf("unknown migration command %q (want up, down, or version)", cmd)
		os.Exit(2)
	}
}
