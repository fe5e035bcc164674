// Package core implements the statement execution state machine of the
// driver: the lifecycle of a prepared statement handle, its query timeout,
// its warning chain, and the cancellation and close operations that may race
// with an in-flight execution from another goroutine.
//
// What: A Handle walks Idle → Executing → Idle on every execution, may be
// driven to CancelRequested by a timeout task or an explicit Cancel, and is
// terminally Closed by Close or by the LeakGuard. All transitions happen
// under one mutex per handle so a concurrent close can never corrupt shared
// state or strand the executing goroutine.
// How: Execution performs one transport round trip per fragment. Arming a
// timeout acquires a reference on the SharedTimer for exactly the armed
// interval; cancellation sends an advisory out-of-band signal with a bounded
// local wait and additionally cancels the local context so a broken network
// can never hang the blocked caller.
// Why: The wire protocol executes one statement per request, cancellation is
// asynchronous and advisory, and close must be callable from any goroutine at
// any time; a single serialized transition point is the simplest shape that
// satisfies all three.
package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlwire/sqlwire/internal/sqlparse"
	"github.com/sqlwire/sqlwire/internal/wire"
)

// State is the lifecycle position of a Handle.
type State int

const (
	Idle State = iota
	Executing
	CancelRequested
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Executing:
		return "executing"
	case CancelRequested:
		return "cancel requested"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// defaultCancelSignalTimeout bounds the local wait for delivering an
// out-of-band cancel signal; past it the transport is abandoned and the
// failure surfaces to the caller instead of hanging on an unreachable peer.
const defaultCancelSignalTimeout = 10 * time.Second

// HandleConfig carries the collaborators a Handle needs.
type HandleConfig struct {
	Transport wire.Transport
	Timer     *SharedTimer

	// CancelSignalTimeout bounds the local wait of Cancel/Close when sending
	// the out-of-band signal. Zero selects the default.
	CancelSignalTimeout time.Duration

	// RewriteBatchedInserts folds compatible batched INSERTs into one round
	// trip; folded entries report SuccessNoInfo instead of a per-row count.
	RewriteBatchedInserts bool
}

// session is the server-side identity of a handle, separated from the Handle
// so the LeakGuard cleanup can release it without keeping the Handle
// reachable.
type session struct {
	id        uuid.UUID
	transport wire.Transport

	mu       sync.Mutex
	released bool
}

// release frees the server-side resources at most once, no matter how many
// concurrent closes race.
func (s *session) release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.mu.Unlock()
	return s.transport.CloseHandle(s.id)
}

// Handle is a live or idle prepared statement.
type Handle struct {
	sess                *session
	timer               *SharedTimer
	command             sqlparse.Command
	cancelSignalTimeout time.Duration
	rewriteBatched      bool
	unregister          func()

	warnings WarningChain

	mu           sync.Mutex
	state        State
	timeout      time.Duration
	execCancel   context.CancelFunc
	closePending bool
	lastKind     wire.ResultKind
	updateCount  int64
	batch        []batchEntry
}

// NewHandle creates a handle bound to cmd. cmd may be empty for handles used
// only through ExecuteCommand or batching.
func NewHandle(cfg HandleConfig, cmd sqlparse.Command) *Handle {
	cst := cfg.CancelSignalTimeout
	if cst <= 0 {
		cst = defaultCancelSignalTimeout
	}
	return &Handle{
		sess:                &session{id: uuid.New(), transport: cfg.Transport},
		timer:               cfg.Timer,
		command:             cmd,
		cancelSignalTimeout: cst,
		rewriteBatched:      cfg.RewriteBatchedInserts,
	}
}

// ID identifies the handle on the wire.
func (h *Handle) ID() uuid.UUID { return h.sess.id }

// Command returns the parsed command the handle was prepared with.
func (h *Handle) Command() sqlparse.Command { return h.command }

// State reports the current lifecycle position.
func (h *Handle) State() State {
	h.mu.Lock()
	s := h.state
	h.mu.Unlock()
	return s
}

// SetLeakCleanup records the detach function of a LeakGuard registration so
// an explicit Close stops the backstop from firing later.
func (h *Handle) SetLeakCleanup(unregister func()) { h.unregister = unregister }

// Session returns the release action for the handle's server-side resources,
// safe to call independently of the Handle's reachability.
func (h *Handle) Session() func() error { return h.sess.release }

// SetQueryTimeout configures the timeout applied to subsequent executions.
// The timer is armed when Execute starts, never when this setter runs. Zero
// disables the timeout.
func (h *Handle) SetQueryTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("sqlwire: query timeout must not be negative, got %s", d)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Closed {
		return ErrStatementClosed
	}
	h.timeout = d
	return nil
}

// QueryTimeout reports the configured timeout.
func (h *Handle) QueryTimeout() time.Duration {
	h.mu.Lock()
	d := h.timeout
	h.mu.Unlock()
	return d
}

// Warnings returns the head of the warning chain accumulated by the most
// recent execution, or nil.
func (h *Handle) Warnings() *Warning { return h.warnings.Head() }

// ClearWarnings detaches the current chain. A concurrently obtained head
// reference stays traversable.
func (h *Handle) ClearWarnings() { h.warnings.Clear() }

// Outcome is the result of one Execute call: one response per fragment, in
// statement order.
type Outcome struct {
	Results []wire.Response
}

// Rows returns the first result cursor of the outcome, or nil.
func (o *Outcome) Rows() *wire.Rows {
	for i := range o.Results {
		if o.Results[i].Kind == wire.KindRows {
			return o.Results[i].Rows
		}
	}
	return nil
}

// RowsAffected returns the first update count of the outcome, or zero.
func (o *Outcome) RowsAffected() int64 {
	for i := range o.Results {
		if o.Results[i].Kind == wire.KindUpdateCount {
			return o.Results[i].RowsAffected
		}
	}
	return 0
}

// Execute runs the prepared command, either shape of result.
func (h *Handle) Execute(ctx context.Context, args ...any) (*Outcome, error) {
	return h.ExecuteCommand(ctx, h.command, args...)
}

// ExecuteCommand runs an explicit command on this handle.
func (h *Handle) ExecuteCommand(ctx context.Context, cmd sqlparse.Command, args ...any) (*Outcome, error) {
	units := []execUnit{{cmd: cmd, args: args}}
	responses, err := h.runUnits(ctx, units)
	if err != nil {
		return nil, err
	}
	return &Outcome{Results: responses[0]}, nil
}

// ExecuteQuery runs the prepared command and requires exactly one result
// cursor.
func (h *Handle) ExecuteQuery(ctx context.Context, args ...any) (*wire.Rows, error) {
	out, err := h.Execute(ctx, args...)
	if err != nil {
		return nil, err
	}
	if len(out.Results) > 1 {
		return nil, ErrTooManyResults
	}
	if len(out.Results) == 0 || out.Results[0].Kind != wire.KindRows {
		return nil, ErrNoResults
	}
	return out.Results[0].Rows, nil
}

// ExecuteLargeUpdate runs the prepared command and requires that no result
// cursor comes back; it returns the affected-row count of the first
// row-count-bearing result.
func (h *Handle) ExecuteLargeUpdate(ctx context.Context, args ...any) (int64, error) {
	out, err := h.Execute(ctx, args...)
	if err != nil {
		return 0, err
	}
	for i := range out.Results {
		if out.Results[i].Kind == wire.KindRows {
			return 0, ErrTooManyResults
		}
	}
	return out.RowsAffected(), nil
}

// ExecuteUpdate is the 32-bit form of ExecuteLargeUpdate. Counts beyond the
// 32-bit signed range report ErrUpdateCountOverflow.
func (h *Handle) ExecuteUpdate(ctx context.Context, args ...any) (int, error) {
	n, err := h.ExecuteLargeUpdate(ctx, args...)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 {
		return 0, ErrUpdateCountOverflow
	}
	return int(n), nil
}

// Cancel interrupts an in-flight execution. A no-op unless the handle is
// Executing. The remote signal is advisory and bounded; the local waiter is
// unblocked regardless of whether the peer is reachable.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.state != Executing {
		h.mu.Unlock()
		return
	}
	h.state = CancelRequested
	cancelLocal := h.execCancel
	h.mu.Unlock()

	ctx, done := context.WithTimeout(context.Background(), h.cancelSignalTimeout)
	_ = h.sess.transport.CancelRequest(ctx, h.sess.id)
	done()
	if cancelLocal != nil {
		cancelLocal()
	}
}

// Close releases the handle. Idempotent and callable from any goroutine; a
// close racing an in-flight execution cancels it and defers the resource
// release to the executing goroutine, which then observes ErrStatementClosed.
func (h *Handle) Close() error {
	h.mu.Lock()
	switch h.state {
	case Closed:
		h.mu.Unlock()
		return nil
	case Executing, CancelRequested:
		wasExecuting := h.state == Executing
		h.state = CancelRequested
		h.closePending = true
		cancelLocal := h.execCancel
		h.mu.Unlock()
		if wasExecuting {
			ctx, done := context.WithTimeout(context.Background(), h.cancelSignalTimeout)
			_ = h.sess.transport.CancelRequest(ctx, h.sess.id)
			done()
		}
		if cancelLocal != nil {
			cancelLocal()
		}
		return nil
	default:
		h.state = Closed
		h.mu.Unlock()
		err := h.sess.release()
		if h.unregister != nil {
			h.unregister()
		}
		return err
	}
}

// execUnit is one logical entry of an execution round. folded counts how many
// batch entries the unit represents after insert rewriting.
type execUnit struct {
	cmd    sqlparse.Command
	args   []any
	folded int
}

// runUnits is the single execution path: one state transition around all
// units, one timeout arming, one round trip per fragment.
func (h *Handle) runUnits(ctx context.Context, units []execUnit) ([][]wire.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	switch h.state {
	case Closed:
		h.mu.Unlock()
		return nil, ErrStatementClosed
	case Executing, CancelRequested:
		h.mu.Unlock()
		return nil, ErrStatementBusy
	}
	execCtx, cancel := context.WithCancel(ctx)
	h.state = Executing
	h.execCancel = cancel
	timeout := h.timeout
	h.mu.Unlock()

	// Each execution starts with a fresh warning chain; a reader holding the
	// previous head can still finish traversing it.
	h.warnings.Clear()

	var timerTask *TimerTask
	if timeout > 0 && h.timer != nil {
		h.timer.Acquire()
		timerTask = h.timer.Schedule(timeout, h.Cancel)
	}

	responses, runErr := h.roundTrips(execCtx, units)

	if timerTask != nil {
		timerTask.Cancel()
		h.timer.Release()
	}
	cancel()

	return h.finish(ctx, responses, runErr)
}

func (h *Handle) roundTrips(ctx context.Context, units []execUnit) ([][]wire.Response, error) {
	out := make([][]wire.Response, 0, len(units))
	for _, u := range units {
		argPos := 0
		unitResponses := make([]wire.Response, 0, len(u.cmd))
		for _, frag := range u.cmd {
			var fragArgs []any
			if frag.ParamCount > 0 {
				if argPos+frag.ParamCount > len(u.args) {
					return out, fmt.Errorf("sqlwire: statement needs %d bound arguments, got %d", argPos+frag.ParamCount, len(u.args))
				}
				fragArgs = u.args[argPos : argPos+frag.ParamCount]
				argPos += frag.ParamCount
			}
			req := &wire.Request{
				HandleID:   h.sess.id,
				Text:       frag.Text,
				ParamCount: frag.ParamCount,
				IsQuery:    frag.IsQuery,
				Args:       fragArgs,
				OnNotice:   h.warnings.Append,
			}
			id, err := h.sess.transport.Send(ctx, req)
			if err != nil {
				return out, err
			}
			resp, err := h.sess.transport.Await(ctx, id)
			if err != nil {
				return out, err
			}
			unitResponses = append(unitResponses, *resp)
		}
		out = append(out, unitResponses)
	}
	return out, nil
}

// finish performs the closing state transition of an execution and
// classifies its error: a close that raced in wins over a cancellation, a
// cancellation wins over the transport's rendering of the interruption, and
// a cancellation that lost the race against a completed response is not an
// error at all.
func (h *Handle) finish(callerCtx context.Context, responses [][]wire.Response, runErr error) ([][]wire.Response, error) {
	h.mu.Lock()
	closePending := h.closePending
	canceled := h.state == CancelRequested
	h.closePending = false
	h.execCancel = nil
	if h.state != Closed {
		if closePending {
			h.state = Closed
		} else {
			h.state = Idle
		}
	}
	if runErr == nil {
		if n := len(responses); n > 0 && len(responses[n-1]) > 0 {
			last := responses[n-1][len(responses[n-1])-1]
			h.lastKind = last.Kind
			h.updateCount = last.RowsAffected
		}
	}
	h.mu.Unlock()

	// Responses collected before the failure travel back with the error so
	// batch callers can report partial counts.
	if closePending {
		_ = h.sess.release()
		if h.unregister != nil {
			h.unregister()
		}
		return responses, ErrStatementClosed
	}
	if runErr == nil {
		return responses, nil
	}
	if canceled {
		return responses, ErrQueryCanceled
	}
	if errors.Is(runErr, context.Canceled) && callerCtx.Err() == nil {
		// The transport saw our local cancellation before the state flag was
		// observed here; classify it as a cancel rather than leaking the
		// context error.
		return responses, ErrQueryCanceled
	}
	return responses, runErr
}

// LastResultKind reports the kind of the last completed result.
func (h *Handle) LastResultKind() wire.ResultKind {
	h.mu.Lock()
	k := h.lastKind
	h.mu.Unlock()
	return k
}

// LastUpdateCount reports the affected-row count of the last completed
// result.
func (h *Handle) LastUpdateCount() int64 {
	h.mu.Lock()
	n := h.updateCount
	h.mu.Unlock()
	return n
}
