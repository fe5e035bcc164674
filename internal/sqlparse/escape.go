// Escape syntax translation: vendor-neutral {...} forms are rewritten into
// native SQL during the split scan. The vocabulary is a fixed dispatch table;
// anything the table does not recognize is passed through verbatim so that
// brace-bearing SQL bodies keep working against newer servers.

package sqlparse

import (
	"strings"
)

// translateEscape rewrites the body of one {...} region (braces excluded).
// Recognized forms are fn, d, t, ts, escape, and oj; anything else is
// reproduced verbatim, braces included.
func translateEscape(body string) (string, error) {
	rest := strings.TrimLeft(body, " \t\r\n")
	kw := readWord(rest)
	args := strings.TrimSpace(rest[len(kw):])
	switch strings.ToLower(kw) {
	case "fn":
		return translateFn(args, body)
	case "d":
		return "DATE " + args, nil
	case "t":
		return "TIME " + args, nil
	case "ts":
		return "TIMESTAMP " + args, nil
	case "escape":
		return "ESCAPE " + args, nil
	case "oj":
		// Outer-join passthrough: braces are stripped, nested escapes inside
		// the join expression are still translated.
		return rewriteNested(args)
	default:
		return "{" + body + "}", nil
	}
}

func readWord(s string) string {
	i := 0
	for i < len(s) && (s[i] >= 'a' && s[i] <= 'z' || s[i] >= 'A' && s[i] <= 'Z') {
		i++
	}
	return s[:i]
}

// translateFn handles {fn name(args)}. Unknown functions and arity mismatches
// fall back to emitting name(args) unchanged; the server decides whether that
// is valid SQL.
func translateFn(call, body string) (string, error) {
	open := strings.IndexByte(call, '(')
	if open < 0 || !strings.HasSuffix(strings.TrimSpace(call), ")") {
		return "{" + body + "}", nil
	}
	name := strings.TrimSpace(call[:open])
	inner := strings.TrimSpace(call[open:])
	inner = inner[1 : len(inner)-1]
	args, err := splitArgs(inner)
	if err != nil {
		return "", err
	}
	for i := range args {
		rewritten, err := rewriteNested(args[i])
		if err != nil {
			return "", err
		}
		args[i] = strings.TrimSpace(rewritten)
	}
	if out, ok := rewriteFn(strings.ToLower(name), args); ok {
		return out, nil
	}
	return name + "(" + strings.Join(args, ", ") + ")", nil
}

// splitArgs splits a function argument list on top-level commas, honoring
// quotes, parentheses, braces, and dollar quotes.
func splitArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var args []string
	depth := 0
	start := 0
	for i := 0; i < len(s); {
		switch s[i] {
		case '(', '{':
			depth++
			i++
		case ')', '}':
			depth--
			i++
		case '\'', '"':
			j, closed := skipQuoted(s, i)
			if !closed {
				kind := UnterminatedLiteral
				if s[i] == '"' {
					kind = UnterminatedIdentifier
				}
				return nil, &SyntaxError{Kind: kind, Pos: i}
			}
			i = j
		case '$':
			j := skipDollarQuoted(s, i)
			if j < 0 {
				return nil, &SyntaxError{Kind: UnterminatedDollarQuote, Pos: i}
			}
			i = j
		case ',':
			if depth == 0 {
				args = append(args, s[start:i])
				start = i + 1
			}
			i++
		default:
			i++
		}
	}
	args = append(args, s[start:])
	return args, nil
}

// rewriteNested translates any {...} regions nested inside s, leaving the
// rest of the text untouched.
func rewriteNested(s string) (string, error) {
	var out strings.Builder
	for i := 0; i < len(s); {
		switch s[i] {
		case '{':
			end, ok := matchBrace(s, i)
			if !ok {
				out.WriteByte('{')
				i++
				continue
			}
			rewritten, err := translateEscape(s[i+1 : end])
			if err != nil {
				return "", err
			}
			out.WriteString(rewritten)
			i = end + 1
		case '\'', '"':
			j, closed := skipQuoted(s, i)
			if !closed {
				out.WriteString(s[i:])
				return out.String(), nil
			}
			out.WriteString(s[i:j])
			i = j
		default:
			out.WriteByte(s[i])
			i++
		}
	}
	return out.String(), nil
}

// fnRenames maps escape function names to native functions taking the same
// arguments in the same order.
var fnRenames = map[string]string{
	// numeric
	"abs":      "abs",
	"acos":     "acos",
	"asin":     "asin",
	"atan":     "atan",
	"atan2":    "atan2",
	"ceiling":  "ceil",
	"cos":      "cos",
	"cot":      "cot",
	"degrees":  "degrees",
	"exp":      "exp",
	"floor":    "floor",
	"log":      "ln",
	"log10":    "log",
	"mod":      "mod",
	"pi":       "pi",
	"power":    "power",
	"radians":  "radians",
	"rand":     "random",
	"round":    "round",
	"sign":     "sign",
	"sin":      "sin",
	"sqrt":     "sqrt",
	"tan":      "tan",
	"truncate": "trunc",
	// string
	"ascii":  "ascii",
	"char":   "chr",
	"lcase":  "lower",
	"repeat": "repeat",
	"replace": "replace",
	"ucase":  "upper",
}

// extractFields maps single-argument date escape functions to the field they
// extract from their argument.
var extractFields = map[string]string{
	"dayofmonth": "day",
	"dayofyear":  "doy",
	"hour":       "hour",
	"minute":     "minute",
	"month":      "month",
	"quarter":    "quarter",
	"second":     "second",
	"week":       "week",
	"year":       "year",
}

// intervalUnits maps SQL_TSI_* interval qualifiers to native interval
// literals. A quarter has no interval unit of its own.
var intervalUnits = map[string]string{
	"sql_tsi_frac_second": "1 microsecond",
	"sql_tsi_second":      "1 second",
	"sql_tsi_minute":      "1 minute",
	"sql_tsi_hour":        "1 hour",
	"sql_tsi_day":         "1 day",
	"sql_tsi_week":        "1 week",
	"sql_tsi_month":       "1 month",
	"sql_tsi_quarter":     "3 month",
	"sql_tsi_year":        "1 year",
}

// diffFields maps timestampdiff qualifiers to constant-length extract fields.
// Variable-length units (month, year) have no faithful native rendering and
// fall through to verbatim output.
var diffFields = map[string]string{
	"sql_tsi_second": "epoch",
	"sql_tsi_minute": "minute",
	"sql_tsi_hour":   "hour",
	"sql_tsi_day":    "day",
}

// rewriteFn renders one recognized escape function call as native SQL.
// ok is false when the name or arity is not covered by the table.
func rewriteFn(name string, args []string) (out string, ok bool) {
	if native, found := fnRenames[name]; found {
		return native + "(" + strings.Join(args, ", ") + ")", true
	}
	switch name {
	case "concat":
		if len(args) < 2 {
			return "", false
		}
		return "(" + strings.Join(args, " || ") + ")", true
	case "insert":
		if len(args) != 4 {
			return "", false
		}
		return "overlay(" + args[0] + " placing " + args[3] + " from " + args[1] + " for " + args[2] + ")", true
	case "left":
		if len(args) != 2 {
			return "", false
		}
		return "substring(" + args[0] + " for " + args[1] + ")", true
	case "right":
		if len(args) != 2 {
			return "", false
		}
		return "substring(" + args[0] + " from (length(" + args[0] + ") + 1 - " + args[1] + "))", true
	case "length":
		if len(args) != 1 {
			return "", false
		}
		return "length(trim(trailing from " + args[0] + "))", true
	case "locate":
		switch len(args) {
		case 2:
			return "position(" + args[0] + " in " + args[1] + ")", true
		case 3:
			return "(position(" + args[0] + " in substring(" + args[1] + " from " + args[2] + ")) + " + args[2] + " - 1)", true
		}
		return "", false
	case "ltrim":
		if len(args) != 1 {
			return "", false
		}
		return "trim(leading from " + args[0] + ")", true
	case "rtrim":
		if len(args) != 1 {
			return "", false
		}
		return "trim(trailing from " + args[0] + ")", true
	case "space":
		if len(args) != 1 {
			return "", false
		}
		return "repeat(' ', " + args[0] + ")", true
	case "substring":
		switch len(args) {
		case 2:
			return "substr(" + args[0] + ", " + args[1] + ")", true
		case 3:
			return "substr(" + args[0] + ", " + args[1] + ", " + args[2] + ")", true
		}
		return "", false
	case "now":
		return "now()", true
	case "curdate":
		return "current_date", true
	case "curtime":
		return "current_time", true
	case "dayname":
		if len(args) != 1 {
			return "", false
		}
		return "to_char(" + args[0] + ", 'Day')", true
	case "monthname":
		if len(args) != 1 {
			return "", false
		}
		return "to_char(" + args[0] + ", 'Month')", true
	case "dayofweek":
		// ODBC counts Sunday as 1; extract(dow) counts it as 0.
		if len(args) != 1 {
			return "", false
		}
		return "(extract(dow from " + args[0] + ") + 1)", true
	case "timestampadd":
		if len(args) != 3 {
			return "", false
		}
		unit, found := intervalUnits[strings.ToLower(args[0])]
		if !found {
			return "", false
		}
		return "(" + args[1] + " * interval '" + unit + "' + " + args[2] + ")", true
	case "timestampdiff":
		if len(args) != 3 {
			return "", false
		}
		field, found := diffFields[strings.ToLower(args[0])]
		if !found {
			return "", false
		}
		return "extract(" + field + " from (" + args[2] + " - " + args[1] + "))", true
	case "ifnull":
		if len(args) != 2 {
			return "", false
		}
		return "coalesce(" + args[0] + ", " + args[1] + ")", true
	case "user":
		return "user", true
	case "database":
		return "current_database()", true
	}
	if field, found := extractFields[name]; found && len(args) == 1 {
		return "extract(" + field + " from " + args[0] + ")", true
	}
	return "", false
}
