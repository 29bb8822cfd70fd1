package server

import (
	"CustodyBank/internal/ingestion"
	"CustodyBank/internal/observability"
	"CustodyBank/internal/persistence"
	"CustodyBank/internal/query"
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer serves BankService over gRPC and the same operations as
// HTTP/JSON.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	bank          *bankService
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// ServerDeps holds everything the services need. Snapshots and State may be
// nil when running without Postgres.
type ServerDeps struct {
	IngestService *ingestion.IngestService
	QueryService  *query.QueryService
	Snapshots     Snapshotter
	State         persistence.SnapshotSource
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with BankService, health and
// reflection registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		bank: &bankService{
			ingest:    deps.IngestService,
			qs:        deps.QueryService,
			snapshots: deps.Snapshots,
			state:     deps.State,
		},
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.metricsInterceptor))
	RegisterBankServiceServer(s.grpcServer, s.bank)

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// SetServing flips the gRPC health status. It follows the HTTP readiness
// flag.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(BankService_ServiceDesc.ServiceName, st)
}

// StartGRPC listens on the configured address and serves until ctx is done.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.Serve(ctx, lis)
}

// Serve serves gRPC on lis until ctx is done. It returns once in-flight
// calls have finished.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
		return <-errCh
	}
}

// StartHTTPGateway serves the HTTP/JSON routes until ctx is done.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		if err := <-errCh; err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *GRPCServer) metricsInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(path.Base(info.FullMethod), start, err)
	return resp, err
}

// observe records one API call under endpoint.
func (s *GRPCServer) observe(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, status.Code(err).String()).Inc()
	}
}
