package live

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client connects to an order-event gRPC server and hands every received
// event to a callback.
type Client struct {
	addr   string
	symbol string
	log    *slog.Logger
}

// NewClient creates a client targeting the given gRPC address. A non-empty
// symbol restricts the stream to that symbol.
func NewClient(addr, symbol string, log *slog.Logger) *Client {
	return &Client{addr: addr, symbol: symbol, log: log.With("component", "grpc-client")}
}

// Sync connects to the server and calls fn for each event. It blocks until
// ctx is cancelled or the stream ends.
func (c *Client) Sync(ctx context.Context, fn func(Event)) error {
	conn, err := grpc.NewClient(c.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	cs, err := conn.NewStream(ctx, &clientStreamDesc, streamPath)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}

	req, err := structpb.NewStruct(map[string]any{ReqSymbol: c.symbol})
	if err != nil {
		return err
	}
	if err := stream.Send(req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	c.log.Info("connected to order event stream", "addr", c.addr)

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}
		evt, err := protoToEvent(msg)
		if err != nil {
			c.log.Warn("undecodable event", "error", err)
			continue
		}
		fn(evt)
	}
}
