/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, LOYALTY_* environment, flags)
  2. Open the store selected by -db-driver
  3. Import the voucher batch file, if any
  4. Create ledger, API handler and reconciliation scheduler
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database and a voucher batch
  ./server -db="./data/loyalty.db" -vouchers=./vouchers.yaml

  # Run with in-memory store
  ./server -db-driver=memory

  # Run against PostgreSQL
  LOYALTY_DB_DRIVER=postgres LOYALTY_DATABASE_URL=postgres://... ./server

SEE ALSO:
  - config/config.go: All settings
  - api/server.go: Router configuration
  - ledger/ledger.go: Ledger operations
*/
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

	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/store"
	"github.com/warp/loyalty-engine/store/postgres"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log := cfg.NewLogger()

	// Initialize store
	st, err := openStore(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	vouchers := factory.NewVoucherFactory(cfg.VoucherDefaultValue)
	if cfg.VoucherFile != "" {
		if err := importVoucherFile(context.Background(), st, vouchers, cfg.VoucherFile, log); err != nil {
			log.Fatalf("Failed to import vouchers: %v", err)
		}
	}

	l := ledger.New(st, ledger.Config{
		RewardCost: cfg.RewardCost,
		Timeout:    cfg.TxTimeout,
		Logger:     log,
	})

	// Initialize handler
	handler := api.NewHandler(l, st, vouchers, log)
	handler.Limiter = api.NewSenderLimiter(cfg.RateLimit, cfg.RateBurst)

	scheduler := api.NewReconciliationScheduler(l, log)
	scheduler.CheckInterval = cfg.ReconcileInterval
	handler.Scheduler = scheduler
	scheduler.Start()

	// Create router
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithFields(logrus.Fields{
			"port":   cfg.Port,
			"driver": cfg.DBDriver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	scheduler.Stop()

	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (ledger.Store, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		return sqlite.New(cfg.DBPath)
	case config.DriverPostgres:
		return postgres.New(ctx, postgres.Config{
			DatabaseURL: cfg.DatabaseURL,
			MaxConns:    cfg.DBMaxConns,
		})
	case config.DriverMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
}

func importVoucherFile(ctx context.Context, st ledger.Store, f *factory.VoucherFactory, path string, log logrus.FieldLogger) error {
	vouchers, err := f.ParseFile(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, api.DefaultImportTimeout)
	defer cancel()

	res, err := factory.Import(ctx, st, vouchers)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"file":    path,
		"created": len(res.Created),
		"skipped": len(res.Skipped),
	}).Info("vouchers imported")
	return nil
}
