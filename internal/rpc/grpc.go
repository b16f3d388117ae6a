package rpc

import (
	"crypto/tls"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	transferpb "github.com/example/shard-ledger/api/gen/transfer"
	"github.com/example/shard-ledger/internal/auth"
)

const maxMsgSize = 1 << 20

// NewGRPCServer registers srv and the standard health service on a new
// gRPC server. A nil tlsCfg serves plaintext.
func NewGRPCServer(srv *Server, signer *auth.Signer, logger *slog.Logger, tlsCfg *tls.Config) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.ChainUnaryInterceptor(
			CorrelationInterceptor(),
			LoggingInterceptor(logger),
			AuthInterceptor(signer, MethodScopes),
		),
	}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	gs := grpc.NewServer(opts...)
	transferpb.RegisterTransferServiceServer(gs, srv)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(transferpb.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return gs, hs
}
