package rpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	transferpb "github.com/example/shard-ledger/api/gen/transfer"
	"github.com/example/shard-ledger/internal/auth"
	"github.com/example/shard-ledger/internal/security"
)

// CorrelationIDKey is the metadata key carrying the correlation id.
const CorrelationIDKey = "x-correlation-id"

// MethodScopes lists the token scope each method requires.
var MethodScopes = map[string]string{
	transferpb.ExecuteTransferMethod: auth.ScopeTransfersWrite,
	transferpb.GetBalanceMethod:      auth.ScopeAccountsRead,
	transferpb.LookupShardMethod:     auth.ScopeAccountsRead,
	transferpb.ShardStatsMethod:      auth.ScopeAdmin,
}

// CorrelationInterceptor reuses the caller's correlation id or mints one,
// and returns it in the response header.
func CorrelationInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var inbound string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(CorrelationIDKey); len(v) > 0 {
				inbound = v[0]
			}
		}
		cid := security.SanitizeCorrelationID(inbound)
		_ = grpc.SetHeader(ctx, metadata.Pairs(CorrelationIDKey, cid))
		return handler(security.WithCorrelationID(ctx, cid), req)
	}
}

// AuthInterceptor validates the bearer token in the authorization metadata
// and enforces the scope listed for the method. Methods with no listed
// scope only need a valid token.
func AuthInterceptor(signer *auth.Signer, scopes map[string]string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		header := md.Get("authorization")
		if len(header) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing authorization header")
		}
		if signer == nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		ai, err := signer.Authorize(header[0])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		if scope, ok := scopes[info.FullMethod]; ok && !ai.Claims.HasScope(scope) {
			return nil, status.Error(codes.PermissionDenied, "missing scope "+scope)
		}
		return handler(auth.WithAuthInfo(ctx, ai), req)
	}
}

// LoggingInterceptor logs one line per call.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("rpc",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", security.CorrelationIDFromContext(ctx),
		)
		return resp, err
	}
}
