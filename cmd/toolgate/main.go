package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/spaceai-toolgate/internal/console"
	"github.com/xela07ax/spaceai-toolgate/internal/engine"
	"github.com/xela07ax/spaceai-toolgate/internal/infra"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("toolgate stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	// SIGTERM отменяет его и останавливает слушателей
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ядро
	a, err := build(appCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// 2. Control Plane: синхронизация между инстансами
	a.startBackground(appCtx)

	// 3. HTTP-периметр
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      engine.NewServer(a.gateway, a.validator, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 3)
	go func() {
		logger.Info("toolgate http started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	// 4. gRPC-периметр шлюза
	var grpcSrv *grpc.Server
	if cfg.GRPC.Port > 0 {
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(a.validator, logger)))
		engine.NewGRPCGatewayServer(a.gateway, logger).Register(grpcSrv)
		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			logger.Info("toolgate grpc started", zap.String("addr", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	// 5. Консоль оператора
	var consoleSrv *http.Server
	if cfg.Console.Port > 0 {
		svc := console.NewService(a.approvalQueue(), a.switches, a.switchRepo(), logger)
		consoleSrv = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Console.Port),
			Handler:      console.NewServer(svc, a.validator, logger),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("console api started", zap.String("addr", consoleSrv.Addr))
			if err := consoleSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("console: %w", err)
			}
		}()
	}

	// 6. Graceful Shutdown
	var runErr error
	select {
	case <-appCtx.Done():
		logger.Info("toolgate stopping")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if consoleSrv != nil {
		_ = consoleSrv.Shutdown(shutdownCtx)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	logger.Info("toolgate exited properly")
	return runErr
}
