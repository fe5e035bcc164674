package wire

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteTransport executes fragments against an embedded SQLite database.
// It is the reference Transport implementation: every request runs on its own
// goroutine with a cancellable context, so cancellation and timeout behavior
// can be exercised without a network in between.
//
// Two statements are interpreted locally to emulate server behavior the
// embedded engine lacks: "select pause(MS)" blocks for MS milliseconds
// (honoring cancellation) and "raise notice 'MSG'" emits MSG as a notice.
type SQLiteTransport struct {
	db *sql.DB

	mu      sync.Mutex
	pending map[RequestID]*sqlitePending
	closed  bool
}

type sqlitePending struct {
	handleID uuid.UUID
	cancel   context.CancelFunc
	done     chan struct{}
	resp     *Response
	err      error
}

// OpenSQLite opens an embedded backend at path (":memory:" for a throwaway
// database). Writes are serialized through a single connection.
func OpenSQLite(path string) (*SQLiteTransport, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &ConnError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	return &SQLiteTransport{
		db:      db,
		pending: make(map[RequestID]*sqlitePending),
	}, nil
}

func (t *SQLiteTransport) Send(ctx context.Context, req *Request) (RequestID, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return RequestID{}, &ConnError{Op: "send", Err: sql.ErrConnDone}
	}
	id := uuid.New()
	runCtx, cancel := context.WithCancel(context.Background())
	p := &sqlitePending{
		handleID: req.HandleID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.pending[id] = p
	t.mu.Unlock()

	go func() {
		p.resp, p.err = t.execute(runCtx, req)
		close(p.done)
	}()
	// Caller cancellation propagates to the running request as well.
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

func (t *SQLiteTransport) Await(ctx context.Context, id RequestID) (*Response, error) {
	t.mu.Lock()
	p, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		return nil, &ConnError{Op: "await", Err: sql.ErrNoRows}
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

func (t *SQLiteTransport) CancelRequest(ctx context.Context, handleID uuid.UUID) error {
	t.mu.Lock()
	for _, p := range t.pending {
		if p.handleID == handleID {
			p.cancel()
		}
	}
	t.mu.Unlock()
	return nil
}

func (t *SQLiteTransport) CloseHandle(handleID uuid.UUID) error {
	// SQLite keeps no per-handle server state; interrupt whatever is still
	// running for the handle.
	return t.CancelRequest(context.Background(), handleID)
}

func (t *SQLiteTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	for _, p := range t.pending {
		p.cancel()
	}
	t.mu.Unlock()
	return t.db.Close()
}

func (t *SQLiteTransport) execute(ctx context.Context, req *Request) (*Response, error) {
	if ms, ok := parsePause(req.Text); ok {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return &Response{Kind: KindRows, Rows: &Rows{
				Columns: []string{"pause"},
				Data:    [][]any{{int64(ms)}},
			}}, nil
		}
	}
	if msg, ok := parseNotice(req.Text); ok {
		if req.OnNotice != nil {
			req.OnNotice(msg)
		}
		return &Response{Kind: KindNone}, nil
	}
	if req.Text == "" {
		return &Response{Kind: KindNone}, nil
	}
	if req.IsQuery {
		rows, err := t.db.QueryContext(ctx, req.Text, req.Args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		var data [][]any
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, err
			}
			data = append(data, vals)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return &Response{Kind: KindRows, Rows: &Rows{Columns: cols, Data: data}}, nil
	}
	res, err := t.db.ExecContext(ctx, req.Text, req.Args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = 0
	}
	return &Response{Kind: KindUpdateCount, RowsAffected: n}, nil
}

// parsePause recognizes "select pause(MS)".
func parsePause(text string) (ms int, ok bool) {
	s := strings.ToLower(strings.TrimSpace(text))
	if !strings.HasPrefix(s, "select pause(") {
		return 0, false
	}
	s = s[len("select pause("):]
	end := strings.IndexByte(s, ')')
	if end < 0 {
		return 0, false
	}
	ms, err := strconv.Atoi(strings.TrimSpace(s[:end]))
	if err != nil {
		return 0, false
	}
	return ms, true
}

// parseNotice recognizes "raise notice 'MSG'".
func parseNotice(text string) (msg string, ok bool) {
	s := strings.TrimSpace(text)
	if len(s) < len("raise notice ") || !strings.EqualFold(s[:len("raise notice ")], "raise notice ") {
		return "", false
	}
	s = strings.TrimSpace(s[len("raise notice "):])
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return "", false
	}
	return strings.ReplaceAll(s[1:len(s)-1], "''", "'"), true
}
