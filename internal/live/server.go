package live

import (
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Compile-time interface check.
var _ OrderEventsServer = (*Server)(nil)

// Server implements the order-event gRPC stream.
type Server struct {
	feed *Feed
	log  *slog.Logger
}

// NewServer creates a gRPC server backed by the given Feed.
func NewServer(feed *Feed, log *slog.Logger) *Server {
	return &Server{feed: feed, log: log.With("component", "grpc")}
}

// RegisterGRPC registers the server on the given gRPC server instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Stream sends a snapshot of the latest event per order and execution, then
// streams new events as they arrive. The stream ends when the client
// disconnects.
func (s *Server) Stream(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	fields := req.GetFields()
	symbol := strings.ToUpper(fields[ReqSymbol].GetStringValue())
	noSnapshot := fields[ReqNoSnapshot].GetBoolValue()

	send := func(e Event) error {
		if symbol != "" && eventSymbol(e) != symbol {
			return nil
		}
		msg, err := eventToProto(e)
		if err != nil {
			s.log.Warn("event not convertible", "seq", e.Seq, "error", err)
			return nil
		}
		return stream.Send(msg)
	}

	// Subscribe before the snapshot so nothing published in between is lost.
	subID, ch := s.feed.Subscribe(4096)
	defer s.feed.Unsubscribe(subID)

	var lastSeq uint64
	if !noSnapshot {
		for _, e := range s.feed.Snapshot() {
			if err := send(e); err != nil {
				return err
			}
			lastSeq = e.Seq
		}
	}

	s.log.Info("grpc client subscribed", "subID", subID, "symbol", symbol)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if evt.Seq <= lastSeq {
				continue
			}
			if err := send(evt); err != nil {
				return err
			}
		}
	}
}

func eventSymbol(e Event) string {
	switch {
	case e.Order != nil:
		return e.Order.Asset.Symbol
	case e.Transaction != nil:
		return e.Transaction.Asset.Symbol
	}
	return ""
}
