// Package wire defines the abstract request/response contract between the
// statement execution core and a protocol transport.
//
// What: A Transport executes one statement fragment per request/response
// round trip, delivers server notices as they arrive, and accepts advisory
// cancellation signals that may race with an in-flight request.
// How: The core obtains a RequestID from Send, blocks in Await until a
// response, an error, or a context cancellation, and uses CancelRequest /
// CloseHandle for the out-of-band control channel. Byte-level encoding,
// authentication, and type codecs live behind implementations of this
// interface and are invisible to the core.
// Why: Keeping the wire format opaque lets the same execution state machine
// drive an embedded backend, a network relay, or a test double.
package wire

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RequestID identifies one in-flight request on a transport.
type RequestID = uuid.UUID

// ResultKind tags the variant carried by a Response.
type ResultKind int

const (
	KindNone ResultKind = iota
	KindRows
	KindUpdateCount
)

// Request is one statement fragment to execute, together with its bound
// arguments and the notice sink for warnings raised while it runs.
type Request struct {
	HandleID   uuid.UUID
	Text       string
	ParamCount int
	IsQuery    bool
	Args       []any

	// OnNotice, when non-nil, is invoked for every informational notice the
	// server raises during this request, in the order raised. It may be
	// called from a transport goroutine.
	OnNotice func(message string)
}

// Rows is a fully materialized result cursor descriptor.
type Rows struct {
	Columns []string
	Data    [][]any
}

// Response is the tagged outcome of one round trip.
type Response struct {
	Kind         ResultKind
	Rows         *Rows
	RowsAffected int64
}

// Transport is the protocol-level collaborator of the execution core.
// Implementations must allow CancelRequest and CloseHandle to be called
// concurrently with a pending Send/Await pair on the same handle.
type Transport interface {
	// Send submits a request and returns immediately with its ID.
	Send(ctx context.Context, req *Request) (RequestID, error)

	// Await blocks until the response for id arrives, the request fails, or
	// ctx is done. A request interrupted by cancellation reports an error.
	Await(ctx context.Context, id RequestID) (*Response, error)

	// CancelRequest asks the server to interrupt all in-flight requests of
	// the given handle. Advisory: the request may complete before the signal
	// is honored. Bounded by ctx.
	CancelRequest(ctx context.Context, handleID uuid.UUID) error

	// CloseHandle releases all server-side resources of the handle.
	CloseHandle(handleID uuid.UUID) error

	// Close tears down the transport itself.
	Close() error
}

// ConnError wraps a connection-level failure, distinct from SQL-level errors
// reported through Response.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("sqlwire: connection failure during %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }
