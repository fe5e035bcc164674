// Package sqlparse contains the SQL command splitter used by the execution core.
//
// What: A single-pass scanner that breaks a client-supplied SQL string into
// independently executable fragments, because the wire protocol runs exactly
// one statement per request/response round trip. While scanning it counts
// parameter placeholders, classifies row-returning statements, and rewrites
// vendor {...} escape syntax into native SQL.
// How: A byte-based left-to-right scan with explicit handling for string
// literals (doubled ''), quoted identifiers (doubled ""), line and nesting
// block comments, dollar-quoted bodies with arbitrary tags, and brace escape
// regions. A semicolon terminates a fragment only when none of those regions
// is open.
// Why: Splitting and escape translation share one scan so that quoting rules
// are applied exactly once and fragment boundaries can never disagree with
// the translator about what is literal content.
package sqlparse

import (
	"fmt"
	"strings"
)

// Fragment is one lexically independent statement extracted from a possibly
// multi-statement input. Text carries the native SQL with escape syntax
// already rewritten; ParamCount is the number of ? placeholders in
// left-to-right order; IsQuery reports whether the statement is expected to
// return rows.
type Fragment struct {
	Text       string
	ParamCount int
	IsQuery    bool
}

// Command is the ordered sequence of fragments produced from one input.
type Command []Fragment

// ParamCount returns the total number of placeholders across all fragments.
func (c Command) ParamCount() int {
	n := 0
	for _, f := range c {
		n += f.ParamCount
	}
	return n
}

// ErrorKind identifies which lexical region was left unterminated or
// unbalanced at end of input.
type ErrorKind int

const (
	UnterminatedComment ErrorKind = iota
	UnterminatedLiteral
	UnterminatedIdentifier
	UnterminatedDollarQuote
	UnbalancedParentheses
)

func (k ErrorKind) String() string {
	switch k {
	case UnterminatedComment:
		return "unterminated block comment"
	case UnterminatedLiteral:
		return "unterminated string literal"
	case UnterminatedIdentifier:
		return "unterminated quoted identifier"
	case UnterminatedDollarQuote:
		return "unterminated dollar-quoted string"
	case UnbalancedParentheses:
		return "unbalanced parentheses"
	default:
		return "syntax error"
	}
}

// SyntaxError is a terminal lexer error. No partial Command is ever returned
// alongside one.
type SyntaxError struct {
	Kind ErrorKind
	Pos  int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("sqlwire: %s at position %d", e.Kind, e.Pos)
}

// queryKeywords are the statement-initial keywords that return rows.
var queryKeywords = map[string]bool{
	"SELECT":  true,
	"WITH":    true,
	"VALUES":  true,
	"TABLE":   true,
	"SHOW":    true,
	"EXPLAIN": true,
	"FETCH":   true,
}

// Split scans sql and returns its fragments. Whitespace-only input yields an
// empty Command; any unterminated region yields a SyntaxError and no Command.
func Split(sql string) (Command, error) {
	sc := &scanner{s: sql}
	return sc.run()
}

type scanner struct {
	s   string
	pos int

	out         strings.Builder
	params      int
	parens      int
	fragStart   int
	sawBoundary bool
	frags       Command
}

func (sc *scanner) peek(n int) byte {
	if sc.pos+n >= len(sc.s) {
		return 0
	}
	return sc.s[sc.pos+n]
}

func (sc *scanner) run() (Command, error) {
	for sc.pos < len(sc.s) {
		ch := sc.s[sc.pos]
		switch {
		case ch == '\'':
			if err := sc.copyQuoted('\'', UnterminatedLiteral); err != nil {
				return nil, err
			}
		case ch == '"':
			if err := sc.copyQuoted('"', UnterminatedIdentifier); err != nil {
				return nil, err
			}
		case ch == '-' && sc.peek(1) == '-':
			sc.copyLineComment()
		case ch == '/' && sc.peek(1) == '*':
			if err := sc.copyBlockComment(); err != nil {
				return nil, err
			}
		case ch == '$':
			if err := sc.copyDollarQuote(); err != nil {
				return nil, err
			}
		case ch == '{':
			if err := sc.copyEscape(); err != nil {
				return nil, err
			}
		case ch == '?':
			sc.params++
			sc.out.WriteByte('?')
			sc.pos++
		case ch == '(':
			sc.parens++
			sc.out.WriteByte('(')
			sc.pos++
		case ch == ')':
			sc.parens--
			if sc.parens < 0 {
				return nil, &SyntaxError{Kind: UnbalancedParentheses, Pos: sc.pos}
			}
			sc.out.WriteByte(')')
			sc.pos++
		case ch == ';':
			sc.pos++
			if err := sc.endFragment(); err != nil {
				return nil, err
			}
			sc.sawBoundary = true
		default:
			sc.out.WriteByte(ch)
			sc.pos++
		}
	}
	if err := sc.endFragment(); err != nil {
		return nil, err
	}
	// Trailing piece after the last semicolon is kept (possibly empty) so that
	// N top-level semicolons always yield N+1 fragments. Without any boundary
	// a whitespace-only input yields zero fragments: an empty query is a
	// result, not an error.
	if !sc.sawBoundary && len(sc.frags) == 1 && sc.frags[0].Text == "" {
		return Command{}, nil
	}
	return sc.frags, nil
}

// endFragment closes the fragment accumulated so far and resets per-fragment
// state. Parenthesis balance is checked per fragment.
func (sc *scanner) endFragment() error {
	if sc.parens != 0 {
		return &SyntaxError{Kind: UnbalancedParentheses, Pos: sc.fragStart}
	}
	text := strings.TrimSpace(sc.out.String())
	sc.frags = append(sc.frags, Fragment{
		Text:       text,
		ParamCount: sc.params,
		IsQuery:    isQuery(text),
	})
	sc.out.Reset()
	sc.params = 0
	sc.fragStart = sc.pos
	return nil
}

// isQuery reports whether the first meaningful token of text is a
// row-returning keyword. Leading comments and whitespace are skipped.
func isQuery(text string) bool {
	i := 0
	for i < len(text) {
		switch {
		case text[i] == ' ' || text[i] == '\t' || text[i] == '\n' || text[i] == '\r':
			i++
		case text[i] == '-' && i+1 < len(text) && text[i+1] == '-':
			for i < len(text) && text[i] != '\n' {
				i++
			}
		case text[i] == '/' && i+1 < len(text) && text[i+1] == '*':
			depth := 1
			i += 2
			for i < len(text) && depth > 0 {
				if text[i] == '/' && i+1 < len(text) && text[i+1] == '*' {
					depth++
					i += 2
				} else if text[i] == '*' && i+1 < len(text) && text[i+1] == '/' {
					depth--
					i += 2
				} else {
					i++
				}
			}
		default:
			start := i
			for i < len(text) && isWordByte(text[i]) {
				i++
			}
			if i == start {
				return false
			}
			return queryKeywords[strings.ToUpper(text[start:i])]
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}

func isTagByte(b byte) bool { return isWordByte(b) }

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// copyQuoted copies a quoted region delimited by q. A doubled delimiter is an
// escaped delimiter, not a terminator.
func (sc *scanner) copyQuoted(q byte, kind ErrorKind) error {
	start := sc.pos
	sc.out.WriteByte(q)
	sc.pos++
	for sc.pos < len(sc.s) {
		ch := sc.s[sc.pos]
		sc.out.WriteByte(ch)
		sc.pos++
		if ch == q {
			if sc.pos < len(sc.s) && sc.s[sc.pos] == q {
				sc.out.WriteByte(q)
				sc.pos++
				continue
			}
			return nil
		}
	}
	return &SyntaxError{Kind: kind, Pos: start}
}

// copyLineComment copies through the line terminator or end of input. A line
// comment never terminates the statement.
func (sc *scanner) copyLineComment() {
	for sc.pos < len(sc.s) {
		ch := sc.s[sc.pos]
		sc.out.WriteByte(ch)
		sc.pos++
		if ch == '\n' {
			return
		}
	}
}

// copyBlockComment copies a /* */ region. Block comments nest.
func (sc *scanner) copyBlockComment() error {
	start := sc.pos
	sc.out.WriteString("/*")
	sc.pos += 2
	depth := 1
	for sc.pos < len(sc.s) {
		if sc.s[sc.pos] == '/' && sc.peek(1) == '*' {
			depth++
			sc.out.WriteString("/*")
			sc.pos += 2
			continue
		}
		if sc.s[sc.pos] == '*' && sc.peek(1) == '/' {
			depth--
			sc.out.WriteString("*/")
			sc.pos += 2
			if depth == 0 {
				return nil
			}
			continue
		}
		sc.out.WriteByte(sc.s[sc.pos])
		sc.pos++
	}
	return &SyntaxError{Kind: UnterminatedComment, Pos: start}
}

// copyDollarQuote copies a $tag$ ... $tag$ region opaquely. The body ends
// only at the next exact occurrence of the same tag; a dollar sign that does
// not open a valid tag is literal content.
func (sc *scanner) copyDollarQuote() error {
	j := sc.pos + 1
	for j < len(sc.s) && isTagByte(sc.s[j]) {
		j++
	}
	// Tags may not start with a digit, so $1 stays a literal dollar sign.
	if j >= len(sc.s) || sc.s[j] != '$' || (j > sc.pos+1 && isDigit(sc.s[sc.pos+1])) {
		sc.out.WriteByte('$')
		sc.pos++
		return nil
	}
	tag := sc.s[sc.pos : j+1]
	rest := sc.s[j+1:]
	end := strings.Index(rest, tag)
	if end < 0 {
		return &SyntaxError{Kind: UnterminatedDollarQuote, Pos: sc.pos}
	}
	stop := j + 1 + end + len(tag)
	sc.out.WriteString(sc.s[sc.pos:stop])
	sc.pos = stop
	return nil
}

// copyEscape handles a {...} region opened at top level. If the brace closes,
// the body is handed to the escape translator and the rewritten form replaces
// the region; placeholders surviving translation are counted in output order.
// An unclosed brace is literal content, never an error.
func (sc *scanner) copyEscape() error {
	end, ok := matchBrace(sc.s, sc.pos)
	if !ok {
		sc.out.WriteByte('{')
		sc.pos++
		return nil
	}
	body := sc.s[sc.pos+1 : end]
	rewritten, err := translateEscape(body)
	if err != nil {
		return err
	}
	sc.out.WriteString(rewritten)
	sc.params += countPlaceholders(rewritten)
	sc.pos = end + 1
	return nil
}

// matchBrace returns the index of the } matching the { at position i,
// honoring nested braces, quoting, dollar quotes, and comments inside the
// region. ok is false when the region never closes.
func matchBrace(s string, i int) (end int, ok bool) {
	depth := 0
	for i < len(s) {
		switch s[i] {
		case '{':
			depth++
			i++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
			i++
		case '\'', '"':
			j, closed := skipQuoted(s, i)
			if !closed {
				return 0, false
			}
			i = j
		case '$':
			j := skipDollarQuoted(s, i)
			if j < 0 {
				return 0, false
			}
			i = j
		case '-':
			if i+1 < len(s) && s[i+1] == '-' {
				for i < len(s) && s[i] != '\n' {
					i++
				}
			} else {
				i++
			}
		case '/':
			if i+1 < len(s) && s[i+1] == '*' {
				j, closed := skipBlockComment(s, i)
				if !closed {
					return 0, false
				}
				i = j
			} else {
				i++
			}
		default:
			i++
		}
	}
	return 0, false
}

// skipQuoted advances past a quoted region starting at i and returns the
// index after the closing delimiter.
func skipQuoted(s string, i int) (end int, closed bool) {
	q := s[i]
	i++
	for i < len(s) {
		if s[i] == q {
			if i+1 < len(s) && s[i+1] == q {
				i += 2
				continue
			}
			return i + 1, true
		}
		i++
	}
	return 0, false
}

// skipDollarQuoted advances past a $tag$...$tag$ region starting at the
// dollar sign at i. When i does not open a valid tag it advances by one.
// Returns -1 for an unterminated region.
func skipDollarQuoted(s string, i int) int {
	j := i + 1
	for j < len(s) && isTagByte(s[j]) {
		j++
	}
	if j >= len(s) || s[j] != '$' || (j > i+1 && isDigit(s[i+1])) {
		return i + 1
	}
	tag := s[i : j+1]
	end := strings.Index(s[j+1:], tag)
	if end < 0 {
		return -1
	}
	return j + 1 + end + len(tag)
}

// skipBlockComment advances past a nesting block comment starting at i.
func skipBlockComment(s string, i int) (end int, closed bool) {
	depth := 1
	i += 2
	for i < len(s) {
		if s[i] == '/' && i+1 < len(s) && s[i+1] == '*' {
			depth++
			i += 2
			continue
		}
		if s[i] == '*' && i+1 < len(s) && s[i+1] == '/' {
			depth--
			i += 2
			if depth == 0 {
				return i, true
			}
			continue
		}
		i++
	}
	return 0, false
}

// countPlaceholders counts ? placeholders in already-native text. Quoted
// regions, dollar-quoted bodies, and comments pass through escape translation
// untouched, so all of them are skipped here exactly as the main scan would.
func countPlaceholders(s string) int {
	n := 0
	for i := 0; i < len(s); {
		switch s[i] {
		case '\'', '"':
			j, closed := skipQuoted(s, i)
			if !closed {
				return n
			}
			i = j
		case '$':
			j := skipDollarQuoted(s, i)
			if j < 0 {
				return n
			}
			i = j
		case '-':
			if i+1 < len(s) && s[i+1] == '-' {
				for i < len(s) && s[i] != '\n' {
					i++
				}
			} else {
				i++
			}
		case '/':
			if i+1 < len(s) && s[i+1] == '*' {
				j, closed := skipBlockComment(s, i)
				if !closed {
					return n
				}
				i = j
			} else {
				i++
			}
		case '?':
			n++
			i++
		default:
			i++
		}
	}
	return n
}
