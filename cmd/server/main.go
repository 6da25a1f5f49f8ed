/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the CareBridge funding engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and environment config
  2. Open the store (sqlite, postgres, or in-memory)
  3. Wire services: ledger, automation, metrics, locks
  4. Configure HTTP router and internal scheduler ticker
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory SQLite database

ENVIRONMENT:
  Read from .env and the process environment; see config/config.go.
  DB_DRIVER selects the store (sqlite, postgres, memory),
  REDIS_ADDRESS switches per-contract locks to Redis,
  SCHEDULER_INTERVAL=0 disables the internal billing ticker so an
  external cron can drive POST /api/scheduler/tick instead.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the internal scheduler ticker (waits for a tick in flight)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/funding.db"

  # Run against Postgres with an external cron driving billing
  DB_DRIVER=postgres DATABASE_URL=postgres://... SCHEDULER_INTERVAL=0 ./server

  # Run on different port
  ./server -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - api/scheduler.go: Internal billing ticker
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/carebridge/funding-engine/api"
	"github.com/carebridge/funding-engine/automation"
	"github.com/carebridge/funding-engine/config"
	"github.com/carebridge/funding-engine/ledger"
	memstore "github.com/carebridge/funding-engine/ledger/store"
	"github.com/carebridge/funding-engine/lock"
	"github.com/carebridge/funding-engine/metrics"
	"github.com/carebridge/funding-engine/store/postgres"
	"github.com/carebridge/funding-engine/store/sqlite"
)

func main() {
	// Flags override the environment for the two most common knobs.
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	flag.Parse()

	cfg := config.Load()
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	log := config.NewLogger(cfg)
	ctx := context.Background()

	// Initialize store
	var st ledger.Store
	switch cfg.DBDriver {
	case "memory":
		st = memstore.NewMemory()
	case "postgres":
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to postgres")
		}
		defer pg.Close()
		st = pg
	default:
		sq, err := sqlite.New(cfg.DBPath)
		if err != nil {
			log.WithError(err).Fatal("failed to open sqlite database")
		}
		defer sq.Close()
		st = sq
	}

	// Per-contract locks: in-process by default, Redis when the
	// engine runs as more than one replica.
	var locks lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		locks = lock.NewRedisLocker(rdb)
		log.WithField("address", cfg.RedisAddress).Info("using redis locks")
	}

	m := metrics.New()

	// Services
	residents := ledger.NewResidentService(st)
	contracts := ledger.NewContractService(st, log)
	transactions := ledger.NewTransactionService(st, locks, log).WithMetrics(m)
	bulk := ledger.NewBulkCoordinator(transactions, log)
	automations := automation.NewService(st, log)

	registry := automation.NewRegistry()
	registry.Register(automation.NewDrawdownRunner(st, transactions, log))
	scheduler := automation.NewScheduler(st, registry, locks, log).WithMetrics(m)

	handler := api.NewHandler(api.Services{
		Residents:    residents,
		Contracts:    contracts,
		Transactions: transactions,
		Bulk:         bulk,
		Automations:  automations,
		Scheduler:    scheduler,
		Store:        st,
	}, log).WithSchedulerToken(cfg.SchedulerToken)

	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     m.Handler(),
	})

	// Internal billing ticker. Interval 0 leaves billing to an
	// external cron hitting POST /api/scheduler/tick.
	ticker := api.NewTicker(scheduler, cfg.SchedulerInterval, log)
	ticker.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"port":   cfg.Port,
			"driver": cfg.DBDriver,
		}).Info("funding engine listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	ticker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server stopped")
}
