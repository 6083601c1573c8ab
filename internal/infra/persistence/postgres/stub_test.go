package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
)

// stubConn is an in-memory database/sql driver recording every statement the
// store issues. It understands just enough SQL to serve the store's fixed
// query shapes.
type stubConn struct {
	execs    []string
	tables   map[string][]map[string]driver.Value
	failPing bool
	failExec bool
}

var stubSeq atomic.Int64

func newStubDB() (*sql.DB, *stubConn) {
	conn := &stubConn{tables: map[string][]map[string]driver.Value{}}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

type stubDriver struct {
	conn *stubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

func (c *stubConn) Prepare(string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported")
}

func (c *stubConn) Close() error { return nil }

func (c *stubConn) Begin() (driver.Tx, error) { return nil, fmt.Errorf("tx not supported") }

func (c *stubConn) Ping(context.Context) error {
	if c.failPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

func (c *stubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.execs = append(c.execs, query)
	if c.failExec {
		return nil, fmt.Errorf("exec fail")
	}
	q := strings.TrimSpace(query)
	upper := strings.ToUpper(q)
	switch {
	case strings.HasPrefix(upper, "CREATE"):
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(upper, "INSERT INTO"):
		return c.execInsert(q, values(args))
	case strings.HasPrefix(upper, "UPDATE STUDY_LOCK"):
		return c.execLockUpdate(values(args))
	case strings.HasPrefix(upper, "DELETE FROM"):
		return c.execDelete(q, values(args))
	default:
		return nil, fmt.Errorf("unsupported exec: %s", q)
	}
}

// execLockUpdate mirrors the store's compare-and-set statement: SET values
// first, then the study/state/generation predicate.
func (c *stubConn) execLockUpdate(args []driver.Value) (driver.Result, error) {
	if len(args) != 6 {
		return nil, fmt.Errorf("lock update wants 6 args, got %d", len(args))
	}
	for _, row := range c.tables["study_lock"] {
		if eq(row["study"], args[3]) && eq(row["state"], args[4]) && eq(row["generation"], args[5]) {
			row["state"] = args[0]
			row["generation"] = args[1]
			row["share_count"] = args[2]
			return driver.RowsAffected(1), nil
		}
	}
	return driver.RowsAffected(0), nil
}

func (c *stubConn) execInsert(q string, args []driver.Value) (driver.Result, error) {
	table, cols, err := parseInsert(q)
	if err != nil {
		return nil, err
	}
	if len(cols) != len(args) {
		return nil, fmt.Errorf("%s: %d columns, %d args", table, len(cols), len(args))
	}
	row := map[string]driver.Value{}
	for i, col := range cols {
		row[col] = args[i]
	}
	if keys := conflictKeys(q); len(keys) > 0 {
		doNothing := strings.Contains(strings.ToUpper(q), "DO NOTHING")
		var kept []map[string]driver.Value
		for _, existing := range c.tables[table] {
			if rowMatches(existing, row, keys) {
				if doNothing {
					return driver.RowsAffected(0), nil
				}
				continue
			}
			kept = append(kept, existing)
		}
		c.tables[table] = kept
	}
	c.tables[table] = append(c.tables[table], row)
	return driver.RowsAffected(1), nil
}

func (c *stubConn) execDelete(q string, args []driver.Value) (driver.Result, error) {
	table, cols, err := parseDelete(q)
	if err != nil {
		return nil, err
	}
	if len(cols) != len(args) {
		return nil, fmt.Errorf("delete %s: %d predicates, %d args", table, len(cols), len(args))
	}
	var kept []map[string]driver.Value
	removed := 0
	for _, row := range c.tables[table] {
		match := true
		for i, col := range cols {
			if !eq(row[col], args[i]) {
				match = false
				break
			}
		}
		if match {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	c.tables[table] = kept
	return driver.RowsAffected(int64(removed)), nil
}

func (c *stubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	q := strings.TrimSpace(query)
	upper := strings.ToUpper(q)
	if strings.HasPrefix(upper, "INSERT INTO SEQ") {
		return c.querySequence(values(args))
	}
	cols, table, where, err := parseSelect(q)
	if err != nil {
		return nil, err
	}
	vals := values(args)
	if len(where) != len(vals) {
		return nil, fmt.Errorf("select %s: %d predicates, %d args", table, len(where), len(vals))
	}
	var out [][]driver.Value
	for _, row := range c.tables[table] {
		match := true
		for i, col := range where {
			if !eq(row[col], vals[i]) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		rec := make([]driver.Value, len(cols))
		for i, col := range cols {
			rec[i] = row[col]
		}
		out = append(out, rec)
	}
	return &stubRows{cols: cols, rows: out}, nil
}

// querySequence emulates the seq upsert-returning statement.
func (c *stubConn) querySequence(args []driver.Value) (driver.Rows, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sequence wants 1 arg, got %d", len(args))
	}
	for _, row := range c.tables["seq"] {
		if eq(row["name"], args[0]) {
			next := row["next"].(int64) + 1
			row["next"] = next
			return &stubRows{cols: []string{"next"}, rows: [][]driver.Value{{next}}}, nil
		}
	}
	c.tables["seq"] = append(c.tables["seq"], map[string]driver.Value{"name": args[0], "next": int64(1)})
	return &stubRows{cols: []string{"next"}, rows: [][]driver.Value{{int64(1)}}}, nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}

func eq(a, b driver.Value) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func rowMatches(row, candidate map[string]driver.Value, keys []string) bool {
	for _, k := range keys {
		if !eq(row[k], candidate[k]) {
			return false
		}
	}
	return true
}

func parseInsert(q string) (table string, cols []string, err error) {
	rest, ok := cutPrefixFold(q, "INSERT INTO")
	if !ok {
		return "", nil, fmt.Errorf("not an insert: %s", q)
	}
	open := strings.Index(rest, "(")
	if open < 0 {
		return "", nil, fmt.Errorf("insert without column list: %s", q)
	}
	table = strings.TrimSpace(rest[:open])
	end := strings.Index(rest[open:], ")")
	if end < 0 {
		return "", nil, fmt.Errorf("unterminated column list: %s", q)
	}
	for _, col := range strings.Split(rest[open+1:open+end], ",") {
		cols = append(cols, strings.TrimSpace(col))
	}
	return table, cols, nil
}

func conflictKeys(q string) []string {
	upper := strings.ToUpper(q)
	at := strings.Index(upper, "ON CONFLICT(")
	if at < 0 {
		return nil
	}
	rest := q[at+len("ON CONFLICT("):]
	end := strings.Index(rest, ")")
	if end < 0 {
		return nil
	}
	var keys []string
	for _, col := range strings.Split(rest[:end], ",") {
		keys = append(keys, strings.TrimSpace(col))
	}
	return keys
}

func parseDelete(q string) (table string, whereCols []string, err error) {
	rest, ok := cutPrefixFold(q, "DELETE FROM")
	if !ok {
		return "", nil, fmt.Errorf("not a delete: %s", q)
	}
	table, whereCols = splitWhere(rest)
	return table, whereCols, nil
}

func parseSelect(q string) (cols []string, table string, whereCols []string, err error) {
	rest, ok := cutPrefixFold(q, "SELECT")
	if !ok {
		return nil, "", nil, fmt.Errorf("unsupported query: %s", q)
	}
	fromAt := strings.Index(strings.ToUpper(rest), " FROM ")
	if fromAt < 0 {
		return nil, "", nil, fmt.Errorf("select without from: %s", q)
	}
	for _, col := range strings.Split(rest[:fromAt], ",") {
		cols = append(cols, strings.TrimSpace(col))
	}
	table, whereCols = splitWhere(rest[fromAt+len(" FROM "):])
	return cols, table, whereCols, nil
}

// splitWhere separates "table WHERE a=$1 AND b=$2 ORDER BY ..." into the table
// name and the predicate column names.
func splitWhere(rest string) (table string, whereCols []string) {
	upper := strings.ToUpper(rest)
	if at := strings.Index(upper, " ORDER BY "); at >= 0 {
		rest = rest[:at]
		upper = upper[:at]
	}
	whereAt := strings.Index(upper, " WHERE ")
	if whereAt < 0 {
		return strings.TrimSpace(rest), nil
	}
	table = strings.TrimSpace(rest[:whereAt])
	for _, pred := range strings.Split(rest[whereAt+len(" WHERE "):], " AND ") {
		col, _, ok := strings.Cut(pred, "=")
		if ok {
			whereCols = append(whereCols, strings.TrimSpace(col))
		}
	}
	return table, whereCols
}

func cutPrefixFold(q, prefix string) (string, bool) {
	q = strings.TrimSpace(q)
	if len(q) < len(prefix) || !strings.EqualFold(q[:len(prefix)], prefix) {
		return q, false
	}
	return q[len(prefix):], true
}
