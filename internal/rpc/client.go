package rpc

import (
	"context"
	"crypto/tls"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	transferpb "github.com/example/shard-ledger/api/gen/transfer"
)

// bearer attaches a service token to every call.
type bearer struct {
	token  string
	secure bool
}

func (b bearer) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearer) RequireTransportSecurity() bool { return b.secure }

// Client is a TransferService client holding its own connection.
type Client struct {
	transferpb.TransferServiceClient
	conn *grpc.ClientConn
}

// Dial connects to addr. A nil tlsCfg dials plaintext.
func Dial(ctx context.Context, addr, token string, tlsCfg *tls.Config, extra ...grpc.DialOption) (*Client, error) {
	opts := []grpc.DialOption{grpc.WithPerRPCCredentials(bearer{token: token, secure: tlsCfg != nil})}
	if tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.DialContext(ctx, addr, append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	return &Client{TransferServiceClient: transferpb.NewTransferServiceClient(conn), conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// WithCorrelationID tags outgoing calls made with ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, CorrelationIDKey, id)
}
