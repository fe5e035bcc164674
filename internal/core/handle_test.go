package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sqlwire/sqlwire/internal/sqlparse"
	"github.com/sqlwire/sqlwire/internal/wire"
)

// fakeTransport scripts round trips for handle tests. Its Send/Await shape
// mirrors the production transports: each request runs on its own goroutine
// with a cancellable context, and CancelRequest releases every pending
// request of a handle.
type fakeTransport struct {
	exec func(ctx context.Context, req *wire.Request) (*wire.Response, error)

	mu            sync.Mutex
	pending       map[wire.RequestID]*fakePending
	requests      []wire.Request
	cancelSignals int
	closedHandles map[uuid.UUID]int
}

type fakePending struct {
	handleID uuid.UUID
	cancel   context.CancelFunc
	done     chan struct{}
	resp     *wire.Response
	err      error
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{
		pending:       make(map[wire.RequestID]*fakePending),
		closedHandles: make(map[uuid.UUID]int),
	}
	t.exec = t.defaultExec
	return t
}

// defaultExec interprets a tiny statement vocabulary:
//
//	"block"        waits for cancellation
//	"rows:a,b"     one-row result set with the given columns
//	"update:N"     update count N
//	"notice:MSG"   raises MSG, no result
//	"fail:MSG"     returns an error
func (t *fakeTransport) defaultExec(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	text := req.Text
	switch {
	case text == "block":
		<-ctx.Done()
		return nil, ctx.Err()
	case strings.HasPrefix(text, "rows:"):
		cols := strings.Split(strings.TrimPrefix(text, "rows:"), ",")
		row := make([]any, len(cols))
		for i := range row {
			row[i] = int64(i)
		}
		return &wire.Response{Kind: wire.KindRows, Rows: &wire.Rows{Columns: cols, Data: [][]any{row}}}, nil
	case strings.HasPrefix(text, "update:"):
		var n int64
		fmt.Sscanf(strings.TrimPrefix(text, "update:"), "%d", &n)
		return &wire.Response{Kind: wire.KindUpdateCount, RowsAffected: n}, nil
	case strings.HasPrefix(text, "notice:"):
		if req.OnNotice != nil {
			req.OnNotice(strings.TrimPrefix(text, "notice:"))
		}
		return &wire.Response{Kind: wire.KindNone}, nil
	case strings.HasPrefix(text, "fail:"):
		return nil, errors.New(strings.TrimPrefix(text, "fail:"))
	default:
		if req.IsQuery {
			return &wire.Response{Kind: wire.KindRows, Rows: &wire.Rows{Columns: []string{"x"}}}, nil
		}
		return &wire.Response{Kind: wire.KindUpdateCount, RowsAffected: 1}, nil
	}
}

func (t *fakeTransport) Send(ctx context.Context, req *wire.Request) (wire.RequestID, error) {
	id := uuid.New()
	runCtx, cancel := context.WithCancel(context.Background())
	p := &fakePending{handleID: req.HandleID, cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.pending[id] = p
	t.requests = append(t.requests, *req)
	t.mu.Unlock()
	go func() {
		p.resp, p.err = t.exec(runCtx, req)
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

func (t *fakeTransport) Await(ctx context.Context, id wire.RequestID) (*wire.Response, error) {
	t.mu.Lock()
	p := t.pending[id]
	t.mu.Unlock()
	select {
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return nil, ctx.Err()
	case <-p.done:
		return p.resp, p.err
	}
}

func (t *fakeTransport) CancelRequest(_ context.Context, handleID uuid.UUID) error {
	t.mu.Lock()
	t.cancelSignals++
	for _, p := range t.pending {
		if p.handleID == handleID {
			p.cancel()
		}
	}
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) CloseHandle(handleID uuid.UUID) error {
	t.mu.Lock()
	t.closedHandles[handleID]++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) sentTexts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.requests))
	for i := range t.requests {
		out[i] = t.requests[i].Text
	}
	return out
}

func mustSplit(t *testing.T, sql string) sqlparse.Command {
	t.Helper()
	cmd, err := sqlparse.Split(sql)
	if err != nil {
		t.Fatalf("Split(%q): %v", sql, err)
	}
	return cmd
}

func newTestHandle(t *testing.T, ft *fakeTransport, sql string) *Handle {
	t.Helper()
	return NewHandle(HandleConfig{Transport: ft, Timer: NewSharedTimer()}, mustSplit(t, sql))
}

func TestExecuteQuery(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "rows:a,b")
	defer h.Close()

	rows, err := h.ExecuteQuery(context.Background())
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if len(rows.Columns) != 2 || rows.Columns[0] != "a" {
		t.Fatalf("columns = %v", rows.Columns)
	}
	if h.State() != Idle {
		t.Fatalf("state = %v, want Idle", h.State())
	}
}

func TestExecuteUpdateOnQueryFails(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "select 1")
	defer h.Close()

	if _, err := h.ExecuteUpdate(context.Background()); !errors.Is(err, ErrTooManyResults) {
		t.Fatalf("err = %v, want ErrTooManyResults", err)
	}
}

func TestExecuteQueryOnUpdateFails(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "update:5")
	defer h.Close()

	if _, err := h.ExecuteQuery(context.Background()); !errors.Is(err, ErrNoResults) {
		t.Fatalf("err = %v, want ErrNoResults", err)
	}
}

func TestExecuteQueryMultipleResults(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "rows:a; rows:b")
	defer h.Close()

	if _, err := h.ExecuteQuery(context.Background()); !errors.Is(err, ErrTooManyResults) {
		t.Fatalf("err = %v, want ErrTooManyResults", err)
	}
}

func TestExecuteMultiFragment(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "update:1; update:2; rows:x")
	defer h.Close()

	out, err := h.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(out.Results))
	}
	if got := ft.sentTexts(); len(got) != 3 || got[0] != "update:1" || got[2] != "rows:x" {
		t.Fatalf("sent = %v", got)
	}
	if out.RowsAffected() != 1 {
		t.Fatalf("RowsAffected = %d, want 1", out.RowsAffected())
	}
}

func TestExecuteUpdateReturnsCount(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "update:7")
	defer h.Close()

	n, err := h.ExecuteUpdate(context.Background())
	if err != nil {
		t.Fatalf("ExecuteUpdate: %v", err)
	}
	if n != 7 {
		t.Fatalf("n = %d, want 7", n)
	}
}

func TestExecuteUpdateOverflow(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "update:3000000000")
	defer h.Close()

	if _, err := h.ExecuteUpdate(context.Background()); !errors.Is(err, ErrUpdateCountOverflow) {
		t.Fatalf("err = %v, want ErrUpdateCountOverflow", err)
	}
	n, err := h.ExecuteLargeUpdate(context.Background())
	if err != nil {
		t.Fatalf("ExecuteLargeUpdate: %v", err)
	}
	if n != 3000000000 {
		t.Fatalf("n = %d", n)
	}
}

func TestArgumentDistribution(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "update a set x = ?; update b set y = ?, z = ?")
	defer h.Close()

	if _, err := h.Execute(context.Background(), 1, 2, 3); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(ft.requests))
	}
	if len(ft.requests[0].Args) != 1 || ft.requests[0].Args[0] != 1 {
		t.Fatalf("first args = %v", ft.requests[0].Args)
	}
	if len(ft.requests[1].Args) != 2 || ft.requests[1].Args[0] != 2 || ft.requests[1].Args[1] != 3 {
		t.Fatalf("second args = %v", ft.requests[1].Args)
	}
}

func TestMissingArguments(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "update a set x = ?, y = ?")
	defer h.Close()

	if _, err := h.Execute(context.Background(), 1); err == nil {
		t.Fatal("Execute with missing arguments succeeded")
	}
}

func TestStatementBusy(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "block")
	defer h.Close()

	started := make(chan struct{})
	base := ft.exec
	ft.exec = func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		close(started)
		return base(ctx, req)
	}
	done := make(chan error, 1)
	go func() {
		_, err := h.Execute(context.Background())
		done <- err
	}()
	<-started

	if _, err := h.Execute(context.Background()); !errors.Is(err, ErrStatementBusy) {
		t.Fatalf("err = %v, want ErrStatementBusy", err)
	}
	h.Cancel()
	if err := <-done; !errors.Is(err, ErrQueryCanceled) {
		t.Fatalf("blocked execution err = %v, want ErrQueryCanceled", err)
	}
}

func TestCancelInterruptsExecution(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "block")
	defer h.Close()

	started := make(chan struct{}, 1)
	base := ft.exec
	ft.exec = func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		return base(ctx, req)
	}
	done := make(chan error, 1)
	go func() {
		_, err := h.Execute(context.Background())
		done <- err
	}()
	<-started
	h.Cancel()

	if err := <-done; !errors.Is(err, ErrQueryCanceled) {
		t.Fatalf("err = %v, want ErrQueryCanceled", err)
	}
	if h.State() != Idle {
		t.Fatalf("state = %v, want Idle after canceled execution", h.State())
	}
	ft.mu.Lock()
	signals := ft.cancelSignals
	ft.mu.Unlock()
	if signals != 1 {
		t.Fatalf("cancel signals = %d, want 1", signals)
	}

	// The handle is reusable after cancellation.
	h2cmd := mustSplit(t, "update:1")
	if _, err := h.ExecuteCommand(context.Background(), h2cmd); err != nil {
		t.Fatalf("execute after cancel: %v", err)
	}
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "update:1")
	defer h.Close()

	h.Cancel()
	if h.State() != Idle {
		t.Fatalf("state = %v", h.State())
	}
	ft.mu.Lock()
	signals := ft.cancelSignals
	ft.mu.Unlock()
	if signals != 0 {
		t.Fatalf("cancel signals = %d, want 0", signals)
	}
}

func TestQueryTimeoutCancels(t *testing.T) {
	ft := newFakeTransport()
	timer := NewSharedTimer()
	h := NewHandle(HandleConfig{Transport: ft, Timer: timer}, mustSplit(t, "block"))
	defer h.Close()

	if err := h.SetQueryTimeout(20 * time.Millisecond); err != nil {
		t.Fatalf("SetQueryTimeout: %v", err)
	}
	_, err := h.Execute(context.Background())
	if !errors.Is(err, ErrQueryCanceled) {
		t.Fatalf("err = %v, want ErrQueryCanceled", err)
	}
	if n := timer.RefCount(); n != 0 {
		t.Fatalf("timer refcount = %d, want 0", n)
	}
}

func TestQueryTimeoutDisarmedOnFastCompletion(t *testing.T) {
	ft := newFakeTransport()
	timer := NewSharedTimer()
	h := NewHandle(HandleConfig{Transport: ft, Timer: timer}, mustSplit(t, "update:1"))
	defer h.Close()

	if err := h.SetQueryTimeout(time.Hour); err != nil {
		t.Fatalf("SetQueryTimeout: %v", err)
	}
	if _, err := h.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := timer.RefCount(); n != 0 {
		t.Fatalf("timer refcount = %d, want 0", n)
	}
}

func TestNegativeTimeoutRejected(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "update:1")
	defer h.Close()

	if err := h.SetQueryTimeout(-time.Second); err == nil {
		t.Fatal("negative timeout accepted")
	}
	if err := h.SetQueryTimeout(3 * time.Second); err != nil {
		t.Fatalf("SetQueryTimeout: %v", err)
	}
	if got := h.QueryTimeout(); got != 3*time.Second {
		t.Fatalf("QueryTimeout = %v", got)
	}
}

func TestCloseDuringExecution(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "block")

	started := make(chan struct{})
	base := ft.exec
	ft.exec = func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		close(started)
		return base(ctx, req)
	}
	done := make(chan error, 1)
	go func() {
		_, err := h.Execute(context.Background())
		done <- err
	}()
	<-started

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// A close racing the execution wins over cancellation in the outcome.
	if err := <-done; !errors.Is(err, ErrStatementClosed) {
		t.Fatalf("err = %v, want ErrStatementClosed", err)
	}
	if h.State() != Closed {
		t.Fatalf("state = %v, want Closed", h.State())
	}
	ft.mu.Lock()
	releases := ft.closedHandles[h.ID()]
	ft.mu.Unlock()
	if releases != 1 {
		t.Fatalf("handle released %d times, want 1", releases)
	}
}

func TestCloseIdempotent(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "update:1")

	for i := 0; i < 3; i++ {
		if err := h.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	ft.mu.Lock()
	releases := ft.closedHandles[h.ID()]
	ft.mu.Unlock()
	if releases != 1 {
		t.Fatalf("handle released %d times, want 1", releases)
	}
	if _, err := h.Execute(context.Background()); !errors.Is(err, ErrStatementClosed) {
		t.Fatalf("execute after close err = %v, want ErrStatementClosed", err)
	}
	if err := h.SetQueryTimeout(time.Second); !errors.Is(err, ErrStatementClosed) {
		t.Fatalf("SetQueryTimeout after close err = %v, want ErrStatementClosed", err)
	}
}

func TestCallerContextCancellation(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "block")
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.Execute(ctx)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	// Interruption by the caller's own context is not a statement cancel.
	if err := <-done; !errors.Is(err, context.Canceled) || errors.Is(err, ErrQueryCanceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if h.State() != Idle {
		t.Fatalf("state = %v, want Idle", h.State())
	}
}

func TestWarningChainAcrossExecutions(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "notice:Test 1; notice:Test 2")
	defer h.Close()

	if _, err := h.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	w := h.Warnings()
	if w == nil || w.Message != "Test 1" {
		t.Fatalf("first warning = %+v", w)
	}
	w = w.Next()
	if w == nil || w.Message != "Test 2" {
		t.Fatalf("second warning = %+v", w)
	}
	if w.Next() != nil {
		t.Fatal("chain longer than two warnings")
	}

	// A new execution starts with a fresh chain.
	old := h.Warnings()
	if _, err := h.ExecuteCommand(context.Background(), mustSplit(t, "notice:Test 3")); err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if got := h.Warnings(); got == nil || got.Message != "Test 3" {
		t.Fatalf("warnings after second execution = %+v", got)
	}
	// The detached chain is still traversable.
	if old.Message != "Test 1" || old.Next().Message != "Test 2" {
		t.Fatal("detached chain mutated")
	}

	h.ClearWarnings()
	if h.Warnings() != nil {
		t.Fatal("warnings survive ClearWarnings")
	}
}

func TestTransportErrorPassesThrough(t *testing.T) {
	ft := newFakeTransport()
	h := newTestHandle(t, ft, "fail:backend exploded")
	defer h.Close()

	_, err := h.Execute(context.Background())
	if err == nil || !strings.Contains(err.Error(), "backend exploded") {
		t.Fatalf("err = %v", err)
	}
	if h.State() != Idle {
		t.Fatalf("state = %v, want Idle", h.State())
	}
}

func TestConcurrentCancelAndClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		ft := newFakeTransport()
		h := newTestHandle(t, ft, "block")
		started := make(chan struct{})
		base := ft.exec
		ft.exec = func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
			close(started)
			return base(ctx, req)
		}
		done := make(chan error, 1)
		go func() {
			_, err := h.Execute(context.Background())
			done <- err
		}()
		<-started

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); h.Cancel() }()
		go func() { defer wg.Done(); _ = h.Close() }()
		wg.Wait()

		err := <-done
		if !errors.Is(err, ErrStatementClosed) && !errors.Is(err, ErrQueryCanceled) {
			t.Fatalf("iteration %d: err = %v", i, err)
		}
		ft.mu.Lock()
		releases := ft.closedHandles[h.ID()]
		ft.mu.Unlock()
		if releases != 1 {
			t.Fatalf("iteration %d: handle released %d times", i, releases)
		}
	}
}
