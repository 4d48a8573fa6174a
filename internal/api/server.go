// Package api provides the HTTP and gRPC server for the quantrisk platform,
// exposing backtest, paper trading and risk management endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported by the server.
const ServiceName = "quantrisk"

const shutdownTimeout = 10 * time.Second

// Server hosts the JSON API over HTTP and the standard gRPC health service.
type Server struct {
	httpAddr string
	grpcAddr string
	handler  http.Handler
	health   *health.Server
	log      *slog.Logger
}

// NewServer creates a Server. An empty grpcAddr disables the gRPC listener.
func NewServer(httpAddr, grpcAddr string, handler http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
		handler:  handler,
		health:   health.NewServer(),
		log:      log,
	}
}

// SetServing updates the health status of service. Use "" for the overall
// server status.
func (s *Server) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	var grpcLis net.Listener
	if s.grpcAddr != "" {
		grpcLis, err = net.Listen("tcp", s.grpcAddr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
		}
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve runs the servers on the given listeners. grpcLis may be nil. On
// cancellation the health status flips to NOT_SERVING, the gRPC server stops
// gracefully and in-flight HTTP requests get shutdownTimeout to finish.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)

	go func() {
		s.log.Info("http server listening", "addr", httpLis.Addr().String())
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if grpcLis != nil {
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, s.health)
		go func() {
			s.log.Info("grpc server listening", "addr", grpcLis.Addr().String())
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}
	s.SetServing("", true)
	s.SetServing(ServiceName, true)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	s.log.Info("shutting down")
	s.health.Shutdown()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("http shutdown: %w", err)
	}
	return serveErr
}

// CheckHealth queries the gRPC health service at addr and returns the status
// name, e.g. "SERVING".
func CheckHealth(ctx context.Context, addr string) (string, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return "", fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return "", fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus().String(), nil
}
