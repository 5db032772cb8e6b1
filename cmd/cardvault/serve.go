package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/accretional/cardvault/pkg/maintenance"
)

const shutdownTimeout = 30 * time.Second

// serve runs scheduled maintenance with a gRPC health endpoint and a Prometheus
// /metrics endpoint until SIGINT or SIGTERM.
func (a *app) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := a.openStore(false)
	if err != nil {
		return err
	}
	defer store.Close()

	var backups maintenance.BackupRunner
	if a.cfg.Backup.Dir != "" || a.cfg.Backup.S3.Bucket != "" {
		mgr, err := a.backupManager(ctx, store)
		if err != nil {
			return err
		}
		backups = mgr
	}

	health := maintenance.NewHealthReporter(store, a.log.Named("health"))
	sched, err := maintenance.New(store, backups, health, maintenance.Options{
		CheckpointSchedule: a.cfg.Maintenance.CheckpointSchedule,
		OptimizeSchedule:   a.cfg.Maintenance.OptimizeSchedule,
		BackupSchedule:     a.cfg.Maintenance.BackupSchedule,
		HealthSchedule:     a.cfg.Maintenance.HealthSchedule,
		Logger:             a.log.Named("maintenance"),
	})
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", a.cfg.Server.HealthAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.HealthAddr, err)
	}
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, health.Server())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	httpServer := &http.Server{
		Addr:              a.cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		a.log.Info("health server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()
	go func() {
		a.log.Info("metrics server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Report status before the first scheduled check.
	_ = health.Check(ctx)
	sched.Start()
	a.log.Info("cardvault started", zap.String("database", store.Path()), zap.Strings("jobs", sched.Jobs()))

	select {
	case <-ctx.Done():
		a.log.Info("shutting down gracefully")
	case err = <-errCh:
		a.log.Error("server failed, shutting down", zap.Error(err))
	}

	health.Shutdown()
	<-sched.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		a.log.Warn("metrics server shutdown", zap.Error(shutdownErr))
	}
	grpcServer.GracefulStop()

	a.log.Info("cardvault stopped")
	return err
}
