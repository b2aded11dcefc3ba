package live

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names of the order-event stream. Messages are
// google.protobuf.Struct so no generated code is needed on either side.
const (
	ServiceName  = "brokerlink.events.v1.OrderEvents"
	streamMethod = "Stream"
	streamPath   = "/" + ServiceName + "/" + streamMethod
)

// Request fields understood by the stream.
const (
	ReqSymbol     = "symbol"
	ReqNoSnapshot = "no_snapshot"
)

// OrderEventsServer is the server side of the order-event stream.
type OrderEventsServer interface {
	Stream(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderEventsServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    streamMethod,
		Handler:       streamHandler,
		ServerStreams: true,
	}},
	Metadata: "brokerlink/events.proto",
}

var clientStreamDesc = grpc.StreamDesc{StreamName: streamMethod, ServerStreams: true}

func streamHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(OrderEventsServer).Stream(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// eventToProto converts an event through its JSON form.
func eventToProto(e Event) (*structpb.Struct, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("converting event %d: %w", e.Seq, err)
	}
	return s, nil
}

func protoToEvent(s *structpb.Struct) (Event, error) {
	b, err := s.MarshalJSON()
	if err != nil {
		return Event{}, err
	}
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
