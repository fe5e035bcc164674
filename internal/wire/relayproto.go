package wire

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// The relay protocol is three unary gRPC methods with JSON-encoded bodies.
// The service descriptor is written by hand; no protobuf toolchain is
// involved and the messages stay plain Go structs.

const (
	RelayServiceName   = "sqlwire.Relay"
	RelayExecuteMethod = "/sqlwire.Relay/Execute"
	RelayCancelMethod  = "/sqlwire.Relay/Cancel"
	RelayCloseMethod   = "/sqlwire.Relay/CloseHandle"
)

// RelayExecuteRequest carries one statement fragment to the relay.
type RelayExecuteRequest struct {
	HandleID  string `json:"handle_id"`
	RequestID string `json:"request_id"`
	SQL       string `json:"sql"`
	Args      []any  `json:"args,omitempty"`
	IsQuery   bool   `json:"is_query"`
}

// RelayExecuteResponse is the outcome of one fragment. Notices raised while
// the fragment ran ride along in order; the unary shape has no side channel.
type RelayExecuteResponse struct {
	Kind         string   `json:"kind"`
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowsAffected int64    `json:"rows_affected,omitempty"`
	Notices      []string `json:"notices,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Wire values of RelayExecuteResponse.Kind.
const (
	RelayKindNone        = "none"
	RelayKindRows        = "rows"
	RelayKindUpdateCount = "update_count"
)

// RelayCancelRequest asks the relay to interrupt all in-flight fragments of
// one handle.
type RelayCancelRequest struct {
	HandleID string `json:"handle_id"`
}

// RelayCancelResponse reports how many in-flight fragments the signal
// reached. Zero is a legal outcome: the work may already have finished.
type RelayCancelResponse struct {
	Canceled int `json:"canceled"`
}

// RelayCloseRequest releases all relay-side state of one handle.
type RelayCloseRequest struct {
	HandleID string `json:"handle_id"`
}

// RelayCloseResponse acknowledges a close.
type RelayCloseResponse struct{}

// JSONCodec is the gRPC codec used on both ends of the relay protocol.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// RelayServer is the handler side of the relay protocol.
type RelayServer interface {
	Execute(context.Context, *RelayExecuteRequest) (*RelayExecuteResponse, error)
	Cancel(context.Context, *RelayCancelRequest) (*RelayCancelResponse, error)
	CloseHandle(context.Context, *RelayCloseRequest) (*RelayCloseResponse, error)
}

// RegisterRelayServer attaches srv to s under the relay service descriptor.
func RegisterRelayServer(s *grpc.Server, srv RelayServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: RelayServiceName,
		HandlerType: (*RelayServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Execute", Handler: _Relay_Execute_Handler},
			{MethodName: "Cancel", Handler: _Relay_Cancel_Handler},
			{MethodName: "CloseHandle", Handler: _Relay_Close_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "sqlwire",
	}, srv)
}

func _Relay_Execute_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RelayExecuteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RelayExecuteMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).Execute(ctx, req.(*RelayExecuteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Relay_Cancel_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RelayCancelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Cancel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RelayCancelMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).Cancel(ctx, req.(*RelayCancelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Relay_Close_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RelayCloseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).CloseHandle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RelayCloseMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).CloseHandle(ctx, req.(*RelayCloseRequest))
	}
	return interceptor(ctx, in, info, handler)
}
