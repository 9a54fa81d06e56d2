// Package otlp receives OTLP/gRPC exports and hands flattened points to the
// ingestion pipeline.
package otlp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"devpulse/internal/ingest"
	"devpulse/internal/metrics"
	"devpulse/internal/telemetry"
)

// Ingester accepts flattened points.
type Ingester interface {
	Ingest(ctx context.Context, points []telemetry.RawPoint) (ingest.Result, error)
}

// Options configures the receiver's gRPC server.
type Options struct {
	MaxRecvMsgBytes int
}

// Receiver serves the OTLP metrics, logs and trace services.
type Receiver struct {
	ingester Ingester
	logger   *slog.Logger
	server   *grpc.Server
	now      func() time.Time
}

// NewReceiver creates a Receiver with its own gRPC server.
func NewReceiver(ingester Ingester, opts Options, logger *slog.Logger) *Receiver {
	var sopts []grpc.ServerOption
	if opts.MaxRecvMsgBytes > 0 {
		sopts = append(sopts, grpc.MaxRecvMsgSize(opts.MaxRecvMsgBytes))
	}
	r := &Receiver{
		ingester: ingester,
		logger:   logger.With("component", "otlp_receiver"),
		server:   grpc.NewServer(sopts...),
		now:      time.Now,
	}
	r.Register(r.server)
	return r
}

// Register registers the three OTLP services on s.
func (r *Receiver) Register(s *grpc.Server) {
	colmetricspb.RegisterMetricsServiceServer(s, &metricsService{r: r})
	collogspb.RegisterLogsServiceServer(s, &logsService{r: r})
	coltracepb.RegisterTraceServiceServer(s, &traceService{r: r})
}

// Serve accepts connections on lis until Stop or GracefulStop.
func (r *Receiver) Serve(lis net.Listener) error {
	r.logger.Info("otlp receiver listening", "addr", lis.Addr().String())
	if err := r.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// GracefulStop stops accepting exports and waits for in-flight ones.
func (r *Receiver) GracefulStop() {
	r.server.GracefulStop()
}

func (r *Receiver) ingest(ctx context.Context, points []telemetry.RawPoint) (ingest.Result, error) {
	if len(points) == 0 {
		return ingest.Result{}, nil
	}
	res, err := r.ingester.Ingest(ctx, points)
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrShuttingDown):
		return res, status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return res, status.FromContextError(err).Err()
	default:
		r.logger.Error("ingest failed", "error", err)
		return res, status.Error(codes.Internal, err.Error())
	}
	if res.Rejected > 0 {
		r.logger.Debug("export partially rejected", "rejected", res.Rejected, "accepted", res.Accepted)
	}
	return res, nil
}

func rejectionMessage(res ingest.Result) string {
	if len(res.Errors) == 0 {
		return ""
	}
	return res.Errors[0].Error()
}

type metricsService struct {
	colmetricspb.UnimplementedMetricsServiceServer
	r *Receiver
}

func (s *metricsService) Export(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	points := flattenMetrics(req.GetResourceMetrics(), s.r.now())
	res, err := s.r.ingest(ctx, points)
	if err != nil {
		return nil, err
	}
	resp := &colmetricspb.ExportMetricsServiceResponse{}
	if res.Rejected > 0 {
		resp.PartialSuccess = &colmetricspb.ExportMetricsPartialSuccess{
			RejectedDataPoints: int64(res.Rejected),
			ErrorMessage:       rejectionMessage(res),
		}
	}
	return resp, nil
}

type logsService struct {
	collogspb.UnimplementedLogsServiceServer
	r *Receiver
}

func (s *logsService) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	points := flattenLogs(req.GetResourceLogs(), s.r.now())
	res, err := s.r.ingest(ctx, points)
	if err != nil {
		return nil, err
	}
	resp := &collogspb.ExportLogsServiceResponse{}
	if res.Rejected > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
			RejectedLogRecords: int64(res.Rejected),
			ErrorMessage:       rejectionMessage(res),
		}
	}
	return resp, nil
}

// traceService accepts span exports so exporters configured for all three
// signals do not fail; spans are counted and discarded.
type traceService struct {
	coltracepb.UnimplementedTraceServiceServer
	r *Receiver
}

func (s *traceService) Export(_ context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	n := 0
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			n += len(ss.GetSpans())
		}
	}
	metrics.PointsReceived.WithLabelValues("trace").Add(float64(n))
	return &coltracepb.ExportTraceServiceResponse{}, nil
}
