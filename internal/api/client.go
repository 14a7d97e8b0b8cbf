package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to a daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Dispatch routes one API call through the daemon's outbox and read cache.
func (c *Client) Dispatch(ctx context.Context, method, path string, body map[string]any, query map[string]string) (*structpb.Struct, error) {
	in := map[string]any{"method": method, "path": path}
	if body != nil {
		in["body"] = body
	}
	if len(query) > 0 {
		q := make(map[string]any, len(query))
		for k, v := range query {
			q[k] = v
		}
		in["query"] = q
	}
	return c.invoke(ctx, "Dispatch", in)
}

// Flush runs one outbox pass.
func (c *Client) Flush(ctx context.Context) (*structpb.Struct, error) {
	return c.invoke(ctx, "Flush", nil)
}

// Sync pulls the change stream.
func (c *Client) Sync(ctx context.Context) (*structpb.Struct, error) {
	return c.invoke(ctx, "Sync", nil)
}

// Status returns the daemon's status snapshot.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	return c.invoke(ctx, "Status", nil)
}

// SetOnline tells the daemon the network came up or went down.
func (c *Client) SetOnline(ctx context.Context, online bool) (*structpb.Struct, error) {
	return c.invoke(ctx, "SetOnline", map[string]any{"online": online})
}

// WatchEvents streams bus notifications whose kind starts with namespace.
// An empty namespace streams everything.
func (c *Client) WatchEvents(ctx context.Context, namespace string) (grpc.ServerStreamingClient[structpb.Struct], error) {
	req, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return nil, err
	}
	stream, err := c.conn.NewStream(ctx, &ControlServiceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
