package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/sqlwire/sqlwire/internal/sqlparse"
	"github.com/sqlwire/sqlwire/internal/wire"
)

// SuccessNoInfo is the per-entry update count reported when entries were
// folded into one round trip and no individual count is available.
const SuccessNoInfo = -2

type batchEntry struct {
	cmd  sqlparse.Command
	args []any
}

// AddBatch parses sql and appends it to the pending batch.
func (h *Handle) AddBatch(sql string) error {
	cmd, err := sqlparse.Split(sql)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Closed {
		return ErrStatementClosed
	}
	h.batch = append(h.batch, batchEntry{cmd: cmd})
	return nil
}

// AddBatchArgs appends the prepared command with one set of bound arguments
// to the pending batch.
func (h *Handle) AddBatchArgs(args ...any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Closed {
		return ErrStatementClosed
	}
	if len(h.command) == 0 {
		return fmt.Errorf("sqlwire: handle has no prepared statement to batch")
	}
	h.batch = append(h.batch, batchEntry{cmd: h.command, args: args})
	return nil
}

// ClearBatch discards pending batch entries.
func (h *Handle) ClearBatch() {
	h.mu.Lock()
	h.batch = nil
	h.mu.Unlock()
}

// BatchError reports a batch that failed partway. Counts holds the update
// counts of the entries that completed before the failure.
type BatchError struct {
	Counts []int64
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("sqlwire: batch failed after %d entries: %v", len(e.Counts), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// ExecuteLargeBatch runs the pending entries and clears the batch. It returns
// one update count per entry in submission order. With insert rewriting
// enabled, compatible consecutive INSERT entries are folded into one
// statement and report SuccessNoInfo each.
//
// A mid-batch failure returns a *BatchError carrying the counts collected so
// far.
func (h *Handle) ExecuteLargeBatch(ctx context.Context) ([]int64, error) {
	h.mu.Lock()
	entries := h.batch
	h.batch = nil
	rewrite := h.rewriteBatched
	h.mu.Unlock()

	if len(entries) == 0 {
		return []int64{}, nil
	}

	units := buildUnits(entries, rewrite)
	responses, err := h.runUnits(ctx, units)

	counts := make([]int64, 0, len(entries))
	for i, rs := range responses {
		if i >= len(units) {
			break
		}
		if units[i].folded > 1 {
			for j := 0; j < units[i].folded; j++ {
				counts = append(counts, SuccessNoInfo)
			}
			continue
		}
		counts = append(counts, sumCounts(rs))
	}
	if err != nil {
		return counts, &BatchError{Counts: counts, Err: err}
	}
	for _, rs := range responses {
		for _, r := range rs {
			if r.Kind == wire.KindRows {
				return nil, &BatchError{Counts: counts, Err: ErrTooManyResults}
			}
		}
	}
	return counts, nil
}

// ExecuteBatch is the 32-bit form of ExecuteLargeBatch.
func (h *Handle) ExecuteBatch(ctx context.Context) ([]int, error) {
	large, err := h.ExecuteLargeBatch(ctx)
	counts := make([]int, len(large))
	for i, n := range large {
		if n > 1<<31-1 {
			return nil, ErrUpdateCountOverflow
		}
		counts[i] = int(n)
	}
	return counts, err
}

// buildUnits maps batch entries to execution units, folding consecutive
// rewritable INSERT entries when enabled.
func buildUnits(entries []batchEntry, rewrite bool) []execUnit {
	units := make([]execUnit, 0, len(entries))
	i := 0
	for i < len(entries) {
		if !rewrite {
			units = append(units, execUnit{cmd: entries[i].cmd, args: entries[i].args, folded: 1})
			i++
			continue
		}
		prefix, tuple, ok := rewritableInsert(entries[i])
		if !ok {
			units = append(units, execUnit{cmd: entries[i].cmd, args: entries[i].args, folded: 1})
			i++
			continue
		}
		tuples := []string{tuple}
		j := i + 1
		for j < len(entries) {
			p2, t2, ok2 := rewritableInsert(entries[j])
			if !ok2 || !strings.EqualFold(p2, prefix) {
				break
			}
			tuples = append(tuples, t2)
			j++
		}
		if len(tuples) == 1 {
			units = append(units, execUnit{cmd: entries[i].cmd, args: entries[i].args, folded: 1})
			i++
			continue
		}
		text := prefix + " " + strings.Join(tuples, ", ")
		folded := sqlparse.Command{{Text: text, ParamCount: 0, IsQuery: false}}
		units = append(units, execUnit{cmd: folded, folded: len(tuples)})
		i = j
	}
	return units
}

// rewritableInsert reports whether the entry is a single-fragment
// parameterless INSERT ... VALUES (tuple) statement, returning the text
// before the tuple and the tuple itself.
func rewritableInsert(e batchEntry) (prefix, tuple string, ok bool) {
	if len(e.cmd) != 1 || len(e.args) > 0 {
		return "", "", false
	}
	f := e.cmd[0]
	if f.IsQuery || f.ParamCount != 0 {
		return "", "", false
	}
	text := f.Text
	if len(text) < 7 || !strings.EqualFold(text[:7], "insert ") {
		return "", "", false
	}
	idx := topLevelValues(text)
	if idx < 0 {
		return "", "", false
	}
	prefix = strings.TrimSpace(text[:idx+len("values")])
	tuple = strings.TrimSpace(text[idx+len("values"):])
	if !strings.HasPrefix(tuple, "(") || !strings.HasSuffix(tuple, ")") {
		return "", "", false
	}
	// Reject multi-tuple or trailing-clause inserts: the remainder must be
	// exactly one balanced parenthesized group.
	depth := 0
	for i := 0; i < len(tuple); i++ {
		switch tuple[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(tuple)-1 {
				return "", "", false
			}
		case '\'', '"':
			q := tuple[i]
			i++
			for i < len(tuple) && tuple[i] != q {
				i++
			}
			if i >= len(tuple) {
				return "", "", false
			}
		}
	}
	if depth != 0 {
		return "", "", false
	}
	return prefix, tuple, true
}

// topLevelValues finds the VALUES keyword outside quotes and parentheses, or
// -1.
func topLevelValues(text string) int {
	depth := 0
	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case '(':
			depth++
		case ')':
			depth--
		case '\'', '"':
			i++
			for i < len(text) && text[i] != c {
				i++
			}
		default:
			if depth == 0 && (c == 'v' || c == 'V') && i+6 <= len(text) &&
				strings.EqualFold(text[i:i+6], "values") &&
				(i == 0 || isWordBreak(text[i-1])) &&
				(i+6 == len(text) || isWordBreak(text[i+6])) {
				return i
			}
		}
	}
	return -1
}

func isWordBreak(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '(' || c == ')'
}

// sumCounts totals the affected rows of one entry's responses. A
// multi-fragment entry contributes one combined count.
func sumCounts(rs []wire.Response) int64 {
	var n int64
	for _, r := range rs {
		if r.Kind == wire.KindUpdateCount {
			n += r.RowsAffected
		}
	}
	return n
}
