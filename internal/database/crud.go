package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/yardcore/yardcore/internal/bus"
)

// Conditions select rows. Keys are column names with an optional operator
// suffix: "__in", "__not_in", "__ne", "__lt", "__gt". A nil value means
// IS NULL ("__ne": IS NOT NULL). An empty "__in" list matches nothing.
type Conditions map[string]any

// Fields are column values to write.
type Fields map[string]any

// Row is a generic result row.
type Row map[string]any

var (
	identRe   = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	orderByRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*( (ASC|DESC))?(, ?[a-z_][a-z0-9_]*( (ASC|DESC))?)*$`)
)

// Tables carrying modified_at / created_at maintained by the CRUD layer.
var (
	modifiedTables = map[string]bool{
		"work_processes": true, "service_requests": true, "assignments": true,
		"agents": true, "yards": true, "map_objects": true,
	}
	createdTables = map[string]bool{
		"work_processes": true, "service_requests": true, "assignments": true,
		"agents": true, "yards": true, "map_objects": true,
		"instant_actions": true, "system_logs": true,
	}
)

func checkIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// buildWhere renders conditions as a WHERE clause (without the keyword).
func buildWhere(conds Conditions) (string, []any, error) {
	if len(conds) == 0 {
		return "1=1", nil, nil
	}
	var parts []string
	var args []any
	for _, key := range sortedKeys(conds) {
		col, op := key, ""
		if i := strings.Index(key, "__"); i > 0 {
			col, op = key[:i], key[i:]
		}
		if err := checkIdent(col); err != nil {
			return "", nil, err
		}
		val := conds[key]
		switch op {
		case "":
			if val == nil {
				parts = append(parts, col+" IS NULL")
			} else {
				parts = append(parts, col+" = ?")
				args = append(args, normalizeArg(val))
			}
		case "__ne":
			if val == nil {
				parts = append(parts, col+" IS NOT NULL")
			} else {
				parts = append(parts, col+" != ?")
				args = append(args, normalizeArg(val))
			}
		case "__lt":
			parts = append(parts, col+" < ?")
			args = append(args, normalizeArg(val))
		case "__gt":
			parts = append(parts, col+" > ?")
			args = append(args, normalizeArg(val))
		case "__in", "__not_in":
			items, err := expandList(val)
			if err != nil {
				return "", nil, fmt.Errorf("condition %s: %w", key, err)
			}
			if len(items) == 0 {
				if op == "__in" {
					parts = append(parts, "1=0")
				}
				continue
			}
			kw := " IN ("
			if op == "__not_in" {
				kw = " NOT IN ("
			}
			parts = append(parts, col+kw+strings.TrimSuffix(strings.Repeat("?,", len(items)), ",")+")")
			args = append(args, items...)
		default:
			return "", nil, fmt.Errorf("unknown condition operator %q", op)
		}
	}
	if len(parts) == 0 {
		return "1=1", nil, nil
	}
	return strings.Join(parts, " AND "), args, nil
}

func expandList(val any) ([]any, error) {
	if val == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(val)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a list, got %T", val)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = normalizeArg(rv.Index(i).Interface())
	}
	return out, nil
}

// normalizeArg converts Go values into driver-friendly arguments. Maps,
// slices and structs without a Valuer are stored as JSON text.
func normalizeArg(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case driver.Valuer:
		return x
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	case *string:
		if x == nil {
			return nil
		}
		return *x
	case json.RawMessage:
		if len(x) == 0 {
			return nil
		}
		return string(x)
	case []byte, string, bool, int, int32, int64, float32, float64:
		return x
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Struct, reflect.Array, reflect.Pointer:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return v
}

// Select returns rows of table matching conds as generic maps.
func (d *DB) Select(ctx context.Context, table string, conds Conditions, orderBy string) ([]Row, error) {
	rows, err := d.queryRows(ctx, table, "*", conds, orderBy, 0)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("select %s: %w", table, err)
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				r[c] = string(b)
			} else {
				r[c] = vals[i]
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of rows matching conds.
func (d *DB) Count(ctx context.Context, table string, conds Conditions) (int, error) {
	if err := checkIdent(table); err != nil {
		return 0, err
	}
	where, args, err := buildWhere(conds)
	if err != nil {
		return 0, err
	}
	var n int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (d *DB) queryRows(ctx context.Context, table, columns string, conds Conditions, orderBy string, limit int) (*sql.Rows, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	where, args, err := buildWhere(conds)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + columns + " FROM " + table + " WHERE " + where
	if orderBy != "" {
		if !orderByRe.MatchString(orderBy) {
			return nil, fmt.Errorf("invalid order by %q", orderBy)
		}
		query += " ORDER BY " + orderBy
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return rows, nil
}

// Insert writes a row and returns its id.
func (d *DB) Insert(ctx context.Context, table string, fields Fields) (int64, error) {
	if err := checkIdent(table); err != nil {
		return 0, err
	}
	now := nowFunc()
	f := make(Fields, len(fields)+2)
	for k, v := range fields {
		f[k] = v
	}
	if createdTables[table] {
		if _, ok := f["created_at"]; !ok {
			f["created_at"] = now
		}
	}
	if modifiedTables[table] {
		if _, ok := f["modified_at"]; !ok {
			f["modified_at"] = now
		}
	}
	cols := sortedKeys(f)
	args := make([]any, len(cols))
	for i, c := range cols {
		if err := checkIdent(c); err != nil {
			return 0, err
		}
		args[i] = normalizeArg(f[c])
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table,
		strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?,", len(cols)), ","))
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	d.publish(table, bus.OpInsert, id, f)
	return id, nil
}

// UpdateByConditions applies fields to every row matching conds and returns
// the ids it changed. Zero ids is not an error: the guard did not match.
func (d *DB) UpdateByConditions(ctx context.Context, table string, conds Conditions, fields Fields) ([]int64, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("update %s: no fields", table)
	}
	f := make(Fields, len(fields)+1)
	for k, v := range fields {
		f[k] = v
	}
	if modifiedTables[table] {
		if _, ok := f["modified_at"]; !ok {
			f["modified_at"] = nowFunc()
		}
	}
	cols := sortedKeys(f)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		if err := checkIdent(c); err != nil {
			return nil, err
		}
		sets[i] = c + " = ?"
		args = append(args, normalizeArg(f[c]))
	}
	where, wargs, err := buildWhere(conds)
	if err != nil {
		return nil, err
	}
	args = append(args, wargs...)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING id", table, strings.Join(sets, ", "), where)
	ids, err := d.collectIDs(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	for _, id := range ids {
		d.publish(table, bus.OpUpdate, id, f)
	}
	return ids, nil
}

// Update applies fields to a single row. It reports whether the row exists.
func (d *DB) Update(ctx context.Context, table string, id int64, fields Fields) (bool, error) {
	ids, err := d.UpdateByConditions(ctx, table, Conditions{"id": id}, fields)
	return len(ids) > 0, err
}

// updateGuarded updates a row only while its status is one of from.
func (d *DB) updateGuarded(ctx context.Context, table string, id int64, fields Fields, from []string) (bool, error) {
	conds := Conditions{"id": id}
	if len(from) > 0 {
		conds["status__in"] = from
	}
	ids, err := d.UpdateByConditions(ctx, table, conds, fields)
	return len(ids) > 0, err
}

// Delete removes rows matching conds and returns their ids.
func (d *DB) Delete(ctx context.Context, table string, conds Conditions) ([]int64, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	where, args, err := buildWhere(conds)
	if err != nil {
		return nil, err
	}
	ids, err := d.collectIDs(ctx, "DELETE FROM "+table+" WHERE "+where+" RETURNING id", args)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", table, err)
	}
	for _, id := range ids {
		d.publish(table, bus.OpDelete, id, nil)
	}
	return ids, nil
}

func (d *DB) collectIDs(ctx context.Context, query string, args []any) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *DB) publish(table, op string, id int64, fields Fields) {
	if d.bus == nil {
		return
	}
	evt := bus.ChangeEvent{Table: table, Op: op, ID: id}
	if len(fields) > 0 {
		evt.Payload = make(map[string]any, len(fields))
		for k, v := range fields {
			evt.Payload[k] = v
		}
		if s, ok := fields["status"].(string); ok {
			evt.Status = s
		}
		switch y := fields["yard_id"].(type) {
		case int64:
			evt.YardID = y
		case int:
			evt.YardID = int64(y)
		}
	}
	d.bus.Publish(evt)
}
