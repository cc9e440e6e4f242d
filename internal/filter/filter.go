// Package filter parses chat log filter expressions of the form
// "<column> <op> <value>" and compiles them into parameterized SQL or
// evaluates them in memory.
package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/gnasty-spam/internal/core"
)

// Column is a filterable chat log attribute.
type Column string

const (
	ColumnChannelID Column = "channel_id"
	ColumnStreamID  Column = "stream_id"
	ColumnText      Column = "text"
	ColumnUser      Column = "user"
	ColumnChatTime  Column = "chat_time"
	ColumnOffset    Column = "offset"
)

// Op is a comparison keyword.
type Op string

const (
	OpEq   Op = "eq"
	OpGt   Op = "gt"
	OpLt   Op = "lt"
	OpGtEq Op = "gteq"
	OpLtEq Op = "lteq"
	OpLike Op = "like"
)

var sqlOps = map[Op]string{
	OpEq:   "=",
	OpGt:   ">",
	OpLt:   "<",
	OpGtEq: ">=",
	OpLtEq: "<=",
	OpLike: "LIKE",
}

var columns = map[string]Column{
	"channel_id": ColumnChannelID,
	"stream_id":  ColumnStreamID,
	"text":       ColumnText,
	"user":       ColumnUser,
	"chat_time":  ColumnChatTime,
	"timestamp":  ColumnChatTime,
	"offset":     ColumnOffset,
}

// InvalidFilterError reports an expression that could not be parsed.
type InvalidFilterError struct {
	Expr   string
	Reason string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter %q: %s", e.Expr, e.Reason)
}

// Predicate is one parsed comparison. Value holds an int64 for integer
// columns and a string otherwise (chat_time values are normalized to
// core.TimeLayout unless the operator is like).
type Predicate struct {
	Column Column
	Op     Op
	Value  any
}

// Query is a conjunction of predicates.
type Query struct {
	Predicates []Predicate
}

// Parse parses every expression. The first malformed one aborts parsing.
func Parse(exprs []string) (Query, error) {
	q := Query{Predicates: make([]Predicate, 0, len(exprs))}
	for _, expr := range exprs {
		p, err := ParseExpr(expr)
		if err != nil {
			return Query{}, err
		}
		q.Predicates = append(q.Predicates, p)
	}
	return q, nil
}

// ParseExpr parses a single "<column> <op> <value>" expression.
func ParseExpr(expr string) (Predicate, error) {
	fields := strings.Fields(expr)
	if len(fields) != 3 {
		return Predicate{}, &InvalidFilterError{Expr: expr, Reason: "expected <column> <op> <value>"}
	}
	col, ok := columns[strings.ToLower(fields[0])]
	if !ok {
		return Predicate{}, &InvalidFilterError{Expr: expr, Reason: "unknown column " + fields[0]}
	}
	op := Op(strings.ToLower(fields[1]))
	if _, ok := sqlOps[op]; !ok {
		return Predicate{}, &InvalidFilterError{Expr: expr, Reason: "unknown operator " + fields[1]}
	}
	value, err := parseValue(col, op, fields[2])
	if err != nil {
		return Predicate{}, &InvalidFilterError{Expr: expr, Reason: err.Error()}
	}
	return Predicate{Column: col, Op: op, Value: value}, nil
}

func parseValue(col Column, op Op, raw string) (any, error) {
	if op == OpLike {
		return raw, nil
	}
	switch col {
	case ColumnText, ColumnUser:
		return raw, nil
	case ColumnChatTime:
		t, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		return t.Format(core.TimeLayout), nil
	default:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Errorf("%s requires an integer value", col)
		}
		return n, nil
	}
}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, errors.New("chat_time requires an RFC3339 or YYYY-MM-DD value")
}

// Empty reports whether the query has no predicates.
func (q Query) Empty() bool { return len(q.Predicates) == 0 }

// Where compiles the query into a WHERE clause using ? placeholders. It
// returns an empty clause for an empty query.
func (q Query) Where() (string, []any) {
	if q.Empty() {
		return "", nil
	}
	conditions := make([]string, 0, len(q.Predicates))
	args := make([]any, 0, len(q.Predicates))
	for _, p := range q.Predicates {
		conditions = append(conditions, fmt.Sprintf(`"%s" %s ?`, p.Column, sqlOps[p.Op]))
		args = append(args, p.Value)
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// Matches evaluates the query against msg.
func (q Query) Matches(msg core.Message) bool {
	for _, p := range q.Predicates {
		if !p.Matches(msg) {
			return false
		}
	}
	return true
}

// Matches evaluates a single predicate against msg.
func (p Predicate) Matches(msg core.Message) bool {
	if p.Op == OpLike {
		pattern, _ := p.Value.(string)
		return like(fieldString(p.Column, msg), pattern)
	}
	switch v := p.Value.(type) {
	case int64:
		return compare(cmpInt(fieldInt(p.Column, msg), v), p.Op)
	case string:
		return compare(strings.Compare(fieldString(p.Column, msg), v), p.Op)
	}
	return false
}

func fieldInt(col Column, msg core.Message) int64 {
	switch col {
	case ColumnChannelID:
		return msg.ChannelID
	case ColumnStreamID:
		return msg.StreamID
	case ColumnOffset:
		return int64(msg.Offset)
	}
	return 0
}

func fieldString(col Column, msg core.Message) string {
	switch col {
	case ColumnText:
		return msg.Text
	case ColumnUser:
		return msg.User
	case ColumnChatTime:
		if msg.Ts.IsZero() {
			return ""
		}
		return msg.Ts.UTC().Format(core.TimeLayout)
	}
	return strconv.FormatInt(fieldInt(col, msg), 10)
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compare(c int, op Op) bool {
	switch op {
	case OpEq:
		return c == 0
	case OpGt:
		return c > 0
	case OpLt:
		return c < 0
	case OpGtEq:
		return c >= 0
	case OpLtEq:
		return c <= 0
	}
	return false
}

// like implements SQLite's default LIKE: % matches any run, _ matches one
// character, ASCII letters compare case-insensitively.
func like(s, pattern string) bool {
	sr, pr := []rune(s), []rune(pattern)
	var match func(i, j int) bool
	match = func(i, j int) bool {
		for j < len(pr) {
			switch pr[j] {
			case '%':
				for j < len(pr) && pr[j] == '%' {
					j++
				}
				if j == len(pr) {
					return true
				}
				for k := i; k <= len(sr); k++ {
					if match(k, j) {
						return true
					}
				}
				return false
			case '_':
				if i >= len(sr) {
					return false
				}
			default:
				if i >= len(sr) || foldASCII(sr[i]) != foldASCII(pr[j]) {
					return false
				}
			}
			i++
			j++
		}
		return i == len(sr)
	}
	return match(0, 0)
}

func foldASCII(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}
