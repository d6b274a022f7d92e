// Command server wires the Document Engine, Session Gateway, and
// their persistence/fan-out collaborators into a runnable process.
// Config loading, graceful shutdown, and the stats endpoint carry
// over from the teacher's cmd/server/main.go and pkg/server's
// handleStats in spirit; everything underneath has been replaced.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otcollab/docengine/internal/fanout"
	"github.com/otcollab/docengine/internal/persistence"
	"github.com/otcollab/docengine/internal/registry"
	"github.com/otcollab/docengine/internal/session"
	"github.com/otcollab/docengine/pkg/logger"
)

// Config holds all server configuration, loaded from the environment
// the way the teacher's cmd/server/main.go does (getEnv/getEnvInt),
// extended with Redis fan-out settings, persister concurrency and
// queue size, and the operation log retention floor.
type Config struct {
	Port           string
	SQLiteURI      string
	RedisAddr      string
	RedisPassword  string
	PersistWorkers int
	PersistQueue   int
	LogCapacity    int
}

var startTime = time.Now()

func main() {
	logger.Init()
	defer logger.Sync()

	cfg := loadConfig()

	logger.Info("starting docengine server")
	logger.Info("port: %s", cfg.Port)

	adapter := newAdapter(cfg)
	if closer, ok := adapter.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	persister := persistence.NewAsyncPersister(adapter, cfg.PersistQueue, cfg.PersistWorkers, func(documentID string, err error) {
		logger.Error("persistence degraded for document %s: %v", documentID, err)
	})
	defer persister.Stop()

	bus := newBus(cfg)

	docs := registry.New(registry.Config{
		Adapter:     adapter,
		Persister:   persister,
		Bus:         bus,
		LogCapacity: cfg.LogCapacity,
	})

	gateway := session.NewGateway(session.BearerHeaderAuthenticator{}, docs)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.ServeHTTP)
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/api/stats", handleStats(docs))
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error: %v", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gateway.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown: %v", err)
	}
	docs.Shutdown()
}

func newAdapter(cfg Config) persistence.Adapter {
	if cfg.SQLiteURI == "" {
		logger.Info("database: disabled (in-memory only)")
		return persistence.NullAdapter{}
	}
	logger.Info("database: %s", cfg.SQLiteURI)
	adapter, err := persistence.NewSQLiteAdapter(cfg.SQLiteURI)
	if err != nil {
		logger.Error("failed to initialize database: %v", err)
		os.Exit(1)
	}
	return adapter
}

func newBus(cfg Config) fanout.Bus {
	if cfg.RedisAddr == "" {
		logger.Info("fan-out: disabled (single-node local bus)")
		return fanout.NewLocalBus()
	}
	logger.Info("fan-out: redis at %s", cfg.RedisAddr)
	client := fanout.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, 0)
	hostname, _ := os.Hostname()
	return fanout.NewRedisBus(client, hostname)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statsResponse struct {
	StartTime       int64 `json:"startTime"`
	DocumentsActive int   `json:"documentsActive"`
}

func handleStats(docs *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statsResponse{
			StartTime:       startTime.Unix(),
			DocumentsActive: docs.Len(),
		})
	}
}

func loadConfig() Config {
	return Config{
		Port:           getEnv("PORT", "3030"),
		SQLiteURI:      os.Getenv("SQLITE_URI"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		PersistWorkers: getEnvInt("PERSIST_WORKERS", 4),
		PersistQueue:   getEnvInt("PERSIST_QUEUE_SIZE", 256),
		LogCapacity:    getEnvInt("LOG_CAPACITY", 1024),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
