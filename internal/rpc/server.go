// Package rpc serves the transfer coordinator over gRPC.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	transferpb "github.com/example/shard-ledger/api/gen/transfer"
	"github.com/example/shard-ledger/internal/api"
	"github.com/example/shard-ledger/internal/coordinator"
	"github.com/example/shard-ledger/internal/events"
	"github.com/example/shard-ledger/internal/ledger"
	"github.com/example/shard-ledger/internal/resilience"
	"github.com/example/shard-ledger/internal/security"
	"github.com/example/shard-ledger/internal/shard"
)

// Service is the coordinator surface exposed over gRPC.
type Service interface {
	ExecuteTransfer(ctx context.Context, req coordinator.TransferRequest) (coordinator.Result, error)
	Balance(ctx context.Context, accountID string) (coordinator.BalanceInfo, error)
	ShardStats(ctx context.Context) []coordinator.ShardStats
}

// Server implements shardledger.v1.TransferService.
type Server struct {
	transferpb.UnimplementedTransferServiceServer

	service   Service
	router    *shard.Router
	validator *security.JSONSchemaValidator
	logger    *slog.Logger
}

func NewServer(svc Service, router *shard.Router, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	v, err := security.NewJSONSchemaValidator("transfer", api.TransferSchema)
	if err != nil {
		return nil, err
	}
	return &Server{service: svc, router: router, validator: v, logger: logger}, nil
}

func (s *Server) ExecuteTransfer(ctx context.Context, req *transferpb.ExecuteTransferRequest) (*transferpb.ExecuteTransferResponse, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed request")
	}
	if err := s.validator.Validate(raw); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.service.ExecuteTransfer(ctx, coordinator.TransferRequest{
		TransferID:  req.TransferID,
		FromAccount: req.FromAccount,
		ToAccount:   req.ToAccount,
		Amount:      req.Amount,
		Gate:        coordinator.Gate(req.Gate),
	})
	if err != nil {
		return nil, s.statusError(ctx, err)
	}
	return &transferpb.ExecuteTransferResponse{
		Status:        string(res.Status),
		TransferID:    res.TransferID,
		Reason:        res.Reason,
		FromShard:     int32(res.FromShard),
		ToShard:       int32(res.ToShard),
		CrossShard:    res.CrossShard,
		AmountDisplay: events.FormatAmount(req.Amount),
	}, nil
}

func (s *Server) GetBalance(ctx context.Context, req *transferpb.GetBalanceRequest) (*transferpb.GetBalanceResponse, error) {
	if req.AccountID == "" {
		return nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	info, err := s.service.Balance(ctx, req.AccountID)
	if err != nil {
		return nil, s.statusError(ctx, err)
	}
	return &transferpb.GetBalanceResponse{
		AccountID:      info.AccountID,
		Balance:        info.Balance,
		BalanceDisplay: events.FormatAmount(info.Balance),
		ShardID:        int32(info.ShardID),
		Found:          info.Found,
	}, nil
}

func (s *Server) LookupShard(ctx context.Context, req *transferpb.LookupShardRequest) (*transferpb.LookupShardResponse, error) {
	if req.AccountID == "" {
		return nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	return &transferpb.LookupShardResponse{
		AccountID:   req.AccountID,
		ShardID:     int32(s.router.Lookup(req.AccountID)),
		TotalShards: int32(s.router.Shards()),
	}, nil
}

func (s *Server) ShardStats(ctx context.Context, _ *transferpb.ShardStatsRequest) (*transferpb.ShardStatsResponse, error) {
	stats := s.service.ShardStats(ctx)
	resp := &transferpb.ShardStatsResponse{
		Shards:      make([]transferpb.ShardStat, 0, len(stats)),
		TotalShards: int32(len(stats)),
	}
	for _, st := range stats {
		if st.Healthy {
			resp.HealthyShards++
		}
		drift := make([]transferpb.ShardDrift, 0, len(st.Drift))
		for _, d := range st.Drift {
			drift = append(drift, transferpb.ShardDrift{AccountID: d.AccountID, Balance: d.Balance, Expected: d.Expected})
		}
		resp.Shards = append(resp.Shards, transferpb.ShardStat{
			ShardID:             int32(st.ShardID),
			Healthy:             st.Healthy,
			AccountCount:        st.AccountCount,
			TotalBalance:        st.TotalBalance,
			TotalBalanceDisplay: events.FormatAmount(st.TotalBalance),
			Drift:               drift,
		})
	}
	return resp, nil
}

// Code maps a service error onto a gRPC status code.
func Code(err error) codes.Code {
	var (
		verr    *coordinator.ValidationError
		inDoubt *coordinator.InDoubtError
	)
	switch {
	case errors.As(err, &verr):
		return codes.InvalidArgument
	case errors.Is(err, coordinator.ErrTransferIDReuse), errors.Is(err, ledger.ErrAccountExists):
		return codes.AlreadyExists
	case errors.Is(err, coordinator.ErrRecordNotFound):
		return codes.NotFound
	case errors.As(err, &inDoubt), errors.Is(err, coordinator.ErrTransferInProgress):
		return codes.Unavailable
	case errors.Is(err, resilience.ErrCircuitOpen), ledger.IsTransient(err):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func (s *Server) statusError(ctx context.Context, err error) error {
	code := Code(err)
	if code == codes.Internal {
		s.logger.Error("rpc failed",
			"correlation_id", security.CorrelationIDFromContext(ctx), "error", err)
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}
