package transfer

import (
    context "context"

    grpc "google.golang.org/grpc"
    codes "google.golang.org/grpc/codes"
    status "google.golang.org/grpc/status"
)

const ServiceName = "shardledger.v1.TransferService"

const (
    ExecuteTransferMethod = "/" + ServiceName + "/ExecuteTransfer"
    GetBalanceMethod      = "/" + ServiceName + "/GetBalance"
    LookupShardMethod     = "/" + ServiceName + "/LookupShard"
    ShardStatsMethod      = "/" + ServiceName + "/ShardStats"
)

type TransferServiceClient interface {
    ExecuteTransfer(ctx context.Context, in *ExecuteTransferRequest, opts ...grpc.CallOption) (*ExecuteTransferResponse, error)
    GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*GetBalanceResponse, error)
    LookupShard(ctx context.Context, in *LookupShardRequest, opts ...grpc.CallOption) (*LookupShardResponse, error)
    ShardStats(ctx context.Context, in *ShardStatsRequest, opts ...grpc.CallOption) (*ShardStatsResponse, error)
}

type transferServiceClient struct {
    cc grpc.ClientConnInterface
}

// NewTransferServiceClient returns a client that speaks the JSON codec.
func NewTransferServiceClient(cc grpc.ClientConnInterface) TransferServiceClient {
    return &transferServiceClient{cc: cc}
}

func (c *transferServiceClient) ExecuteTransfer(ctx context.Context, in *ExecuteTransferRequest, opts ...grpc.CallOption) (*ExecuteTransferResponse, error) {
    out := new(ExecuteTransferResponse)
    err := c.cc.Invoke(ctx, ExecuteTransferMethod, in, out, append(opts, grpc.CallContentSubtype(CodecName))...)
    if err != nil {
        return nil, err
    }
    return out, nil
}

func (c *transferServiceClient) GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*GetBalanceResponse, error) {
    out := new(GetBalanceResponse)
    err := c.cc.Invoke(ctx, GetBalanceMethod, in, out, append(opts, grpc.CallContentSubtype(CodecName))...)
    if err != nil {
        return nil, err
    }
    return out, nil
}

func (c *transferServiceClient) LookupShard(ctx context.Context, in *LookupShardRequest, opts ...grpc.CallOption) (*LookupShardResponse, error) {
    out := new(LookupShardResponse)
    err := c.cc.Invoke(ctx, LookupShardMethod, in, out, append(opts, grpc.CallContentSubtype(CodecName))...)
    if err != nil {
        return nil, err
    }
    return out, nil
}

func (c *transferServiceClient) ShardStats(ctx context.Context, in *ShardStatsRequest, opts ...grpc.CallOption) (*ShardStatsResponse, error) {
    out := new(ShardStatsResponse)
    err := c.cc.Invoke(ctx, ShardStatsMethod, in, out, append(opts, grpc.CallContentSubtype(CodecName))...)
    if err != nil {
        return nil, err
    }
    return out, nil
}

type TransferServiceServer interface {
    ExecuteTransfer(context.Context, *ExecuteTransferRequest) (*ExecuteTransferResponse, error)
    GetBalance(context.Context, *GetBalanceRequest) (*GetBalanceResponse, error)
    LookupShard(context.Context, *LookupShardRequest) (*LookupShardResponse, error)
    ShardStats(context.Context, *ShardStatsRequest) (*ShardStatsResponse, error)
}

type UnimplementedTransferServiceServer struct{}

func (UnimplementedTransferServiceServer) ExecuteTransfer(context.Context, *ExecuteTransferRequest) (*ExecuteTransferResponse, error) {
    return nil, status.Error(codes.Unimplemented, "method ExecuteTransfer not implemented")
}
func (UnimplementedTransferServiceServer) GetBalance(context.Context, *GetBalanceRequest) (*GetBalanceResponse, error) {
    return nil, status.Error(codes.Unimplemented, "method GetBalance not implemented")
}
func (UnimplementedTransferServiceServer) LookupShard(context.Context, *LookupShardRequest) (*LookupShardResponse, error) {
    return nil, status.Error(codes.Unimplemented, "method LookupShard not implemented")
}
func (UnimplementedTransferServiceServer) ShardStats(context.Context, *ShardStatsRequest) (*ShardStatsResponse, error) {
    return nil, status.Error(codes.Unimplemented, "method ShardStats not implemented")
}

func RegisterTransferServiceServer(s grpc.ServiceRegistrar, srv TransferServiceServer) {
    s.RegisterService(&TransferService_ServiceDesc, srv)
}

func _TransferService_ExecuteTransfer_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(ExecuteTransferRequest)
    if err := dec(in); err != nil {
        return nil, err
    }
    if interceptor == nil {
        return srv.(TransferServiceServer).ExecuteTransfer(ctx, in)
    }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteTransferMethod}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(TransferServiceServer).ExecuteTransfer(ctx, req.(*ExecuteTransferRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func _TransferService_GetBalance_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(GetBalanceRequest)
    if err := dec(in); err != nil {
        return nil, err
    }
    if interceptor == nil {
        return srv.(TransferServiceServer).GetBalance(ctx, in)
    }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetBalanceMethod}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(TransferServiceServer).GetBalance(ctx, req.(*GetBalanceRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func _TransferService_LookupShard_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(LookupShardRequest)
    if err := dec(in); err != nil {
        return nil, err
    }
    if interceptor == nil {
        return srv.(TransferServiceServer).LookupShard(ctx, in)
    }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LookupShardMethod}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(TransferServiceServer).LookupShard(ctx, req.(*LookupShardRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func _TransferService_ShardStats_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(ShardStatsRequest)
    if err := dec(in); err != nil {
        return nil, err
    }
    if interceptor == nil {
        return srv.(TransferServiceServer).ShardStats(ctx, in)
    }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ShardStatsMethod}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(TransferServiceServer).ShardStats(ctx, req.(*ShardStatsRequest))
    }
    return interceptor(ctx, in, info, handler)
}

var TransferService_ServiceDesc = grpc.ServiceDesc{
    ServiceName: ServiceName,
    HandlerType: (*TransferServiceServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "ExecuteTransfer", Handler: _TransferService_ExecuteTransfer_Handler},
        {MethodName: "GetBalance", Handler: _TransferService_GetBalance_Handler},
        {MethodName: "LookupShard", Handler: _TransferService_LookupShard_Handler},
        {MethodName: "ShardStats", Handler: _TransferService_ShardStats_Handler},
    },
    Streams:  []grpc.StreamDesc{},
    Metadata: "shardledger/v1/transfer.proto",
}
