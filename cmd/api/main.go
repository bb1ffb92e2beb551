package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/bankcore/internal/api"
	"github.com/punchamoorthee/bankcore/internal/config"
	"github.com/punchamoorthee/bankcore/internal/logger"
	"github.com/punchamoorthee/bankcore/internal/migrations"
	"github.com/punchamoorthee/bankcore/internal/service"
	"github.com/punchamoorthee/bankcore/internal/store"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	zl, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("error starting logger: %v", err)
	}
	defer zl.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	st, err := openStore(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("error opening store", zap.Error(err))
	}
	defer st.Close()

	maxAmount, _ := cfg.MaxTransferAmount()

	// Initialize Layers
	transfers := service.NewTransferService(st, maxAmount, zl)
	accounts := service.NewAccountService(st, zl)
	handler := api.NewHandler(transfers, accounts, zl, !cfg.IsProduction())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, []byte(cfg.JWTSecret), zl),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zl.Info("server starting", zap.String("address", server.Addr), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("error shutting down server", zap.Error(err))
	}
	zl.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config, zl *zap.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		zl.Warn("using in-memory store; balances are lost on restart")
		return store.NewMemoryStore(cfg.LockTimeout, zl), nil
	}

	if cfg.AutoMigrate {
		if err := migrations.Up(cfg.DBSource); err != nil {
			return nil, err
		}
		zl.Info("migrations applied")
	}

	pool, err := store.Connect(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	return store.NewPostgresStore(pool, cfg.LockTimeout, zl), nil
}
