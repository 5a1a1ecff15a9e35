// Command savepointd runs the versioned game-state store as a daemon:
// it opens the backend selected by DATABASE_URL, initializes the
// schema, starts the retention sweeper, and serves the operational
// HTTP endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lunarch/savepoint/pkg/config"
	"github.com/lunarch/savepoint/pkg/errmodel"
	"github.com/lunarch/savepoint/pkg/otel"
	"github.com/lunarch/savepoint/pkg/retention"
	"github.com/lunarch/savepoint/pkg/store"
	"github.com/lunarch/savepoint/pkg/store/litestore"
	"github.com/lunarch/savepoint/pkg/store/memstore"
	"github.com/lunarch/savepoint/pkg/store/pgstore"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("savepointd %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "savepointd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// A local .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := buildLogger(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceName:    "savepointd",
		ServiceVersion: version,
		UseStdout:      cfg.TraceStdout,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	days := cfg.RetentionDays()
	st, err := openStore(ctx, cfg.DatabaseURL, days)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	st = store.Traced(st)

	if err := st.Initialize(ctx); err != nil {
		return err
	}
	log.Info("store ready", "database_url", redactDSN(cfg.DatabaseURL), "retention_days", days)

	sweeper := retention.NewSweeper(st, days, cfg.SweepInterval, log)
	go sweeper.Run(ctx)

	handler := otelhttp.NewHandler(buildRouter(st), "ops")
	server := &http.Server{Addr: cfg.OpsAddr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ops server listening", "addr", cfg.OpsAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutCtx)
	}
}

// openStore selects the backend by DSN scheme.
func openStore(ctx context.Context, dsn string, days int) (store.Store, error) {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return pgstore.Open(ctx, dsn, pgstore.WithRetentionDays(days))
	case strings.HasPrefix(lower, "sqlite:"):
		return litestore.Open(ctx, dsn, litestore.WithRetentionDays(days))
	case strings.HasPrefix(lower, "mem:"):
		return memstore.New(memstore.WithRetentionDays(days)), nil
	default:
		return nil, fmt.Errorf("unsupported database url scheme: %s", redactDSN(dsn))
	}
}

// buildRouter assembles the operational endpoints. Split out from run
// so tests can drive it with httptest.
func buildRouter(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			slog.Error("readiness probe failed", "error", err)
			errmodel.WriteHTTP(w, req, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := st.Stats(req.Context())
		if err != nil {
			slog.Error("stats failed", "error", err)
			errmodel.WriteHTTP(w, req, err)
			return
		}
		writeJSON(w, stats)
	})

	r.Get("/games", func(w http.ResponseWriter, req *http.Request) {
		snaps, err := st.ListActiveGames(req.Context())
		if err != nil {
			slog.Error("active games failed", "error", err)
			errmodel.WriteHTTP(w, req, err)
			return
		}
		// Documents can be large; the listing carries row metadata only.
		games := make([]activeGame, 0, len(snaps))
		for _, snap := range snaps {
			games = append(games, activeGame{
				GameID:    snap.GameID,
				Version:   snap.Version,
				Players:   snap.Players,
				Status:    string(snap.Status),
				CreatedAt: snap.CreatedAt,
			})
		}
		writeJSON(w, games)
	})

	return r
}

type activeGame struct {
	GameID    string    `json:"game_id"`
	Version   int64     `json:"save_id"`
	Players   int       `json:"players"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_time"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// redactDSN strips credentials from a DSN before it reaches a log line.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	scheme := strings.Index(dsn, "://")
	if scheme < 0 {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
