// Package server provides the shared service lifecycle runner.
// Every cmd/ service delegates to server.Run for signal handling,
// config loading, observability init, health checks, and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aelexs/captionsync/internal/config"
	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/observability"
)

// serviceVersion is reported as the OTEL service.version resource attribute.
const serviceVersion = "0.1.0"

// SetupDeps is what a service's composition root receives from Run.
type SetupDeps struct {
	Config     *config.Config
	Logger     *slog.Logger
	HTTPMux    *http.ServeMux
	GRPCServer *grpc.Server   // nil when the service has no gRPC port
	Health     *health.Server // nil when the service has no gRPC port
}

// CleanupFunc releases what Setup created. It runs after the listeners
// have stopped and before telemetry is flushed.
type CleanupFunc func(ctx context.Context) error

// Params configures a service's lifecycle runner.
type Params struct {
	// Name identifies the service (e.g. "coordinator").
	Name string

	// PortFromConfig extracts the HTTP port for this service from config.
	PortFromConfig func(cfg *config.Config) int

	// GRPCPortFromConfig extracts the gRPC port. Nil disables the gRPC server.
	GRPCPortFromConfig func(cfg *config.Config) int

	// Setup wires the service. ctx is cancelled when shutdown begins, so
	// background loops started from it stop before cleanup runs.
	Setup func(ctx context.Context, deps SetupDeps) (CleanupFunc, error)
}

// Listeners optionally injects pre-bound listeners (enables port-0 testing).
// A nil field is bound from config.
type Listeners struct {
	HTTP net.Listener
	GRPC net.Listener
}

// Run executes the full service lifecycle: signal handling, config loading,
// observability initialization, HTTP and gRPC servers with health checks,
// service setup, and graceful shutdown.
func Run(ctx context.Context, p Params, ls Listeners) error {
	// Signal-based cancellation: ctx.Done() closes on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: p.Name,
		Environment: cfg.Environment,
	})

	// --- Startup order: telemetry -> listeners -> setup -> serve ---

	telemetry, err := observability.InitTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    p.Name,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	var shuttingDown atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"shutting_down","service":%q}`, p.Name)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, p.Name)
	})

	httpLn := ls.HTTP
	if httpLn == nil {
		httpLn, err = listen(ctx, p.PortFromConfig(cfg))
		if err != nil {
			return fmt.Errorf("listen http: %w", err)
		}
	}

	grpcLn := ls.GRPC
	var (
		grpcServer *grpc.Server
		healthSrv  *health.Server
	)
	if grpcLn != nil || p.GRPCPortFromConfig != nil {
		if grpcLn == nil {
			grpcLn, err = listen(ctx, p.GRPCPortFromConfig(cfg))
			if err != nil {
				httpLn.Close()
				return fmt.Errorf("listen grpc: %w", err)
			}
		}
		grpcServer = grpc.NewServer()
		healthSrv = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthSrv)
	}

	g, gctx := errgroup.WithContext(ctx)

	cleanup := CleanupFunc(func(context.Context) error { return nil })
	if p.Setup != nil {
		c, setupErr := p.Setup(gctx, SetupDeps{
			Config:     cfg,
			Logger:     logger,
			HTTPMux:    mux,
			GRPCServer: grpcServer,
			Health:     healthSrv,
		})
		if setupErr != nil {
			httpLn.Close()
			if grpcLn != nil {
				grpcLn.Close()
			}
			flushTelemetry(logger, telemetry)
			return fmt.Errorf("%s setup: %w", p.Name, setupErr)
		}
		if c != nil {
			cleanup = c
		}
	}

	httpServer := &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// WriteTimeout stays zero: /ws connections are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting HTTP server",
			slog.String("addr", httpLn.Addr().String()),
			slog.String("environment", cfg.Environment),
		)
		if serveErr := httpServer.Serve(httpLn); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	if grpcServer != nil {
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			logger.Info("starting gRPC server", slog.String("addr", grpcLn.Addr().String()))
			if serveErr := grpcServer.Serve(grpcLn); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				return serveErr
			}
			return nil
		})
	}

	// Shutdown is the reverse of startup: health -> HTTP -> gRPC -> cleanup -> telemetry.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal, starting graceful shutdown")

		shuttingDown.Store(true)
		if healthSrv != nil {
			healthSrv.Shutdown()
		}

		// Let load balancers observe the 503 before connections drain.
		time.Sleep(domain.ShutdownDrainDelay)

		httpCtx, httpCancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
		defer httpCancel()
		if shutdownErr := httpServer.Shutdown(httpCtx); shutdownErr != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", shutdownErr.Error()))
		}

		if grpcServer != nil {
			stopGRPC(httpCtx, grpcServer)
		}

		if cleanupErr := cleanup(httpCtx); cleanupErr != nil {
			logger.Error("service cleanup error", slog.String("error", cleanupErr.Error()))
		}

		flushTelemetry(logger, telemetry)
		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}

func listen(ctx context.Context, port int) (net.Listener, error) {
	return (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
}

// stopGRPC drains in-flight RPCs until ctx expires, then forces the stop.
func stopGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
		<-done
	}
}

func flushTelemetry(logger *slog.Logger, t *observability.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		logger.Error("failed to flush telemetry", slog.String("error", err.Error()))
	}
}
