package sqlparse

import (
	"testing"
)

// Translation is observed through Split so the tests cover the same path
// production code uses.
func translate(t *testing.T, sql string) string {
	t.Helper()
	cmd, err := Split(sql)
	if err != nil {
		t.Fatalf("Split(%q): %v", sql, err)
	}
	if len(cmd) != 1 {
		t.Fatalf("Split(%q) = %d fragments, want 1", sql, len(cmd))
	}
	return cmd[0].Text
}

func TestEscapeDateTimeLiterals(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"select {d '2024-01-02'}", "select DATE '2024-01-02'"},
		{"select {t '12:34:56'}", "select TIME '12:34:56'"},
		{"select {ts '2024-01-02 12:34:56'}", "select TIMESTAMP '2024-01-02 12:34:56'"},
	}
	for _, tt := range tests {
		if got := translate(t, tt.in); got != tt.want {
			t.Errorf("translate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEscapeFnRenames(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"select {fn abs(-3)}", "select abs(-3)"},
		{"select {fn ceiling(1.5)}", "select ceil(1.5)"},
		{"select {fn log(x)} from t", "select ln(x) from t"},
		{"select {fn log10(x)} from t", "select log(x) from t"},
		{"select {fn truncate(1.9, 0)}", "select trunc(1.9, 0)"},
		{"select {fn rand()}", "select random()"},
		{"select {fn char(65)}", "select chr(65)"},
		{"select {fn lcase(name)} from t", "select lower(name) from t"},
		{"select {fn ucase(name)} from t", "select upper(name) from t"},
	}
	for _, tt := range tests {
		if got := translate(t, tt.in); got != tt.want {
			t.Errorf("translate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEscapeFnRewrites(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"select {fn concat(a, b)} from t", "select (a || b) from t"},
		{"select {fn concat(a, b, c)} from t", "select (a || b || c) from t"},
		{"select {fn insert(a, 2, 3, b)} from t", "select overlay(a placing b from 2 for 3) from t"},
		{"select {fn left(a, 2)} from t", "select substring(a for 2) from t"},
		{"select {fn right(a, 2)} from t", "select substring(a from (length(a) + 1 - 2)) from t"},
		{"select {fn length(a)} from t", "select length(trim(trailing from a)) from t"},
		{"select {fn locate(a, b)} from t", "select position(a in b) from t"},
		{"select {fn locate(a, b, 3)} from t", "select (position(a in substring(b from 3)) + 3 - 1) from t"},
		{"select {fn ltrim(a)} from t", "select trim(leading from a) from t"},
		{"select {fn rtrim(a)} from t", "select trim(trailing from a) from t"},
		{"select {fn space(3)}", "select repeat(' ', 3)"},
		{"select {fn substring(a, 2)} from t", "select substr(a, 2) from t"},
		{"select {fn substring(a, 2, 3)} from t", "select substr(a, 2, 3) from t"},
		{"select {fn curdate()}", "select current_date"},
		{"select {fn curtime()}", "select current_time"},
		{"select {fn dayname(d)} from t", "select to_char(d, 'Day') from t"},
		{"select {fn monthname(d)} from t", "select to_char(d, 'Month') from t"},
		{"select {fn dayofweek(d)} from t", "select (extract(dow from d) + 1) from t"},
		{"select {fn dayofmonth(d)} from t", "select extract(day from d) from t"},
		{"select {fn dayofyear(d)} from t", "select extract(doy from d) from t"},
		{"select {fn hour(d)} from t", "select extract(hour from d) from t"},
		{"select {fn year(d)} from t", "select extract(year from d) from t"},
		{"select {fn ifnull(a, b)} from t", "select coalesce(a, b) from t"},
		{"select {fn user()}", "select user"},
		{"select {fn database()}", "select current_database()"},
	}
	for _, tt := range tests {
		if got := translate(t, tt.in); got != tt.want {
			t.Errorf("translate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEscapeTimestampArithmetic(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			"select {fn timestampadd(SQL_TSI_DAY, 3, d)} from t",
			"select (3 * interval '1 day' + d) from t",
		},
		{
			"select {fn timestampadd(SQL_TSI_QUARTER, 2, d)} from t",
			"select (2 * interval '3 month' + d) from t",
		},
		{
			"select {fn timestampdiff(SQL_TSI_SECOND, a, b)} from t",
			"select extract(epoch from (b - a)) from t",
		},
		{
			"select {fn timestampdiff(SQL_TSI_DAY, a, b)} from t",
			"select extract(day from (b - a)) from t",
		},
	}
	for _, tt := range tests {
		if got := translate(t, tt.in); got != tt.want {
			t.Errorf("translate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEscapePassthrough(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"unknown keyword keeps braces", "select {limit 10}", "select {limit 10}"},
		{"unknown fn drops braces", "select {fn mystery(a, b)} from t", "select mystery(a, b) from t"},
		{"variable-length diff unit keeps call", "select {fn timestampdiff(SQL_TSI_MONTH, a, b)} from t", "select timestampdiff(SQL_TSI_MONTH, a, b) from t"},
		{"escape clause", "select a from t where a like 'x!%' {escape '!'}", "select a from t where a like 'x!%' ESCAPE '!'"},
		{"outer join", "select * from {oj a left outer join b on a.id = b.id}", "select * from a left outer join b on a.id = b.id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translate(t, tt.in); got != tt.want {
				t.Errorf("translate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEscapeNested(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			"select {fn ucase({fn lcase(name)})} from t",
			"select upper(lower(name)) from t",
		},
		{
			"select * from {oj a left outer join b on a.d = {d '2024-01-02'}}",
			"select * from a left outer join b on a.d = DATE '2024-01-02'",
		},
	}
	for _, tt := range tests {
		if got := translate(t, tt.in); got != tt.want {
			t.Errorf("translate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEscapeQuotedBodyUntouched(t *testing.T) {
	// Braces inside string literals never open escape regions.
	in := "select '{fn now()}'"
	if got := translate(t, in); got != in {
		t.Errorf("translate(%q) = %q, want unchanged", in, got)
	}
}

func TestEscapePlaceholdersInsideFn(t *testing.T) {
	cmd, err := Split("select {fn locate(?, ?)} from t where x = ?")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if got := cmd[0].ParamCount; got != 3 {
		t.Fatalf("ParamCount = %d, want 3", got)
	}
	if want := "select position(? in ?) from t where x = ?"; cmd[0].Text != want {
		t.Fatalf("Text = %q, want %q", cmd[0].Text, want)
	}
}
