package wire

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GRPCTransport executes fragments against a sqlwire relay over gRPC, one
// unary call per fragment. Send starts the call on its own goroutine with a
// cancellable context; Await joins it. Notices travel inside the unary
// response and are delivered to the request's sink in order before Await
// returns.
type GRPCTransport struct {
	conn *grpc.ClientConn

	mu      sync.Mutex
	pending map[RequestID]*grpcPending
	closed  bool
}

type grpcPending struct {
	handleID uuid.UUID
	cancel   context.CancelFunc
	done     chan struct{}
	resp     *Response
	err      error
}

// DialRelay connects to a relay at addr, plaintext.
func DialRelay(addr string) (*GRPCTransport, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{})),
	)
	if err != nil {
		return nil, &ConnError{Op: "dial", Err: err}
	}
	return &GRPCTransport{
		conn:    conn,
		pending: make(map[RequestID]*grpcPending),
	}, nil
}

func (t *GRPCTransport) Send(ctx context.Context, req *Request) (RequestID, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return RequestID{}, &ConnError{Op: "send", Err: errors.New("transport is closed")}
	}
	id := uuid.New()
	runCtx, cancel := context.WithCancel(context.Background())
	p := &grpcPending{
		handleID: req.HandleID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.pending[id] = p
	t.mu.Unlock()

	out := &RelayExecuteRequest{
		HandleID:  req.HandleID.String(),
		RequestID: id.String(),
		SQL:       req.Text,
		Args:      req.Args,
		IsQuery:   req.IsQuery,
	}
	onNotice := req.OnNotice
	go func() {
		in := new(RelayExecuteResponse)
		err := t.conn.Invoke(runCtx, RelayExecuteMethod, out, in)
		if err == nil {
			for _, msg := range in.Notices {
				if onNotice != nil {
					onNotice(msg)
				}
			}
			p.resp, p.err = decodeRelayResponse(in)
		} else {
			p.err = &ConnError{Op: "execute", Err: err}
			if runCtx.Err() != nil {
				// A locally cancelled call reports the cancellation, not the
				// gRPC rendering of it.
				p.err = runCtx.Err()
			}
		}
		close(p.done)
	}()
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-p.done:
			}
		}()
	}
	return id, nil
}

func (t *GRPCTransport) Await(ctx context.Context, id RequestID) (*Response, error) {
	t.mu.Lock()
	p, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		return nil, &ConnError{Op: "await", Err: errors.New("unknown request id")}
	}
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return nil, ctx.Err()
	case <-p.done:
		return p.resp, p.err
	}
}

func (t *GRPCTransport) CancelRequest(ctx context.Context, handleID uuid.UUID) error {
	// Local calls are released immediately; the remote signal is advisory and
	// bounded by ctx.
	t.mu.Lock()
	for _, p := range t.pending {
		if p.handleID == handleID {
			p.cancel()
		}
	}
	t.mu.Unlock()

	out := &RelayCancelRequest{HandleID: handleID.String()}
	in := new(RelayCancelResponse)
	if err := t.conn.Invoke(ctx, RelayCancelMethod, out, in); err != nil {
		return &ConnError{Op: "cancel", Err: err}
	}
	return nil
}

func (t *GRPCTransport) CloseHandle(handleID uuid.UUID) error {
	out := &RelayCloseRequest{HandleID: handleID.String()}
	in := new(RelayCloseResponse)
	if err := t.conn.Invoke(context.Background(), RelayCloseMethod, out, in); err != nil {
		return &ConnError{Op: "close handle", Err: err}
	}
	return nil
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	for _, p := range t.pending {
		p.cancel()
	}
	t.mu.Unlock()
	return t.conn.Close()
}

// decodeRelayResponse maps the wire message to the core's Response. A SQL
// error reported by the relay surfaces as a plain error, not a ConnError:
// the connection itself is fine.
func decodeRelayResponse(in *RelayExecuteResponse) (*Response, error) {
	if in.Error != "" {
		return nil, errors.New(in.Error)
	}
	switch in.Kind {
	case RelayKindRows:
		return &Response{Kind: KindRows, Rows: &Rows{Columns: in.Columns, Data: in.Rows}}, nil
	case RelayKindUpdateCount:
		return &Response{Kind: KindUpdateCount, RowsAffected: in.RowsAffected}, nil
	default:
		return &Response{Kind: KindNone}, nil
	}
}
