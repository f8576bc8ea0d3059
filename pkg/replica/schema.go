package replica

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ColumnType is the logical type of a tracked column
type ColumnType int

const (
	Integer ColumnType = iota
	Text
	Float
	Timestamp
)

// Column describes one column of a tracked table
type Column struct {
	Name       string
	Type       ColumnType
	Nullable   bool
	DefaultNow bool // filled with the insert time when absent
}

// Table describes a tracked table. Every table has an integer identity
// column named id.
type Table struct {
	Name    string
	Columns []Column
	DDL     string
}

// Tables lists the tracked tables in foreign-key order: a table only
// references tables before it.
var Tables = []Table{
	{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: Integer},
			{Name: "name", Type: Text},
			{Name: "email", Type: Text},
			{Name: "password", Type: Text},
		},
		DDL: `CREATE TABLE IF NOT EXISTS users (
	id integer GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	name varchar NOT NULL,
	email varchar NOT NULL UNIQUE,
	password varchar NOT NULL
)`,
	},
	{
		Name: "posts",
		Columns: []Column{
			{Name: "id", Type: Integer},
			{Name: "user_id", Type: Integer},
			{Name: "animal", Type: Text},
			{Name: "notes", Type: Text, Nullable: true},
			{Name: "conservation_notes", Type: Text},
			{Name: "image_url", Type: Text},
			{Name: "latitude", Type: Float},
			{Name: "longitude", Type: Float},
			{Name: "created_at", Type: Timestamp, DefaultNow: true},
		},
		DDL: `CREATE TABLE IF NOT EXISTS posts (
	id integer GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	user_id integer NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	animal varchar(255) NOT NULL,
	notes varchar,
	conservation_notes text NOT NULL,
	image_url varchar NOT NULL,
	latitude double precision NOT NULL,
	longitude double precision NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
)`,
	},
	{
		Name: "upvotes",
		Columns: []Column{
			{Name: "id", Type: Integer},
			{Name: "post_id", Type: Integer},
			{Name: "user_id", Type: Integer},
		},
		DDL: `CREATE TABLE IF NOT EXISTS upvotes (
	id integer GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	post_id integer NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
	user_id integer NOT NULL REFERENCES users(id) ON DELETE CASCADE
)`,
	},
	{
		Name: "badges",
		Columns: []Column{
			{Name: "id", Type: Integer},
			{Name: "user_id", Type: Integer},
			{Name: "name", Type: Text},
			{Name: "awarded_at", Type: Timestamp, DefaultNow: true},
		},
		DDL: `CREATE TABLE IF NOT EXISTS badges (
	id integer GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	user_id integer NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name varchar NOT NULL,
	awarded_at timestamptz NOT NULL DEFAULT now()
)`,
	},
}

// TableNames returns the tracked table names in foreign-key order
func TableNames() []string {
	names := make([]string, len(Tables))
	for i, t := range Tables {
		names[i] = t.Name
	}
	return names
}

// LookupTable returns the tracked table with the given name
func LookupTable(name string) (*Table, error) {
	for i := range Tables {
		if Tables[i].Name == name {
			return &Tables[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
}

// Column returns the named column
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Check rejects keys that are not columns of t
func (t *Table) Check(values map[string]any) error {
	for k := range values {
		if _, ok := t.Column(k); !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.Name, k)
		}
	}
	return nil
}

// StampDefaults returns a copy of row with every absent DefaultNow column
// set to now, truncated to microseconds (the precision of a postgres
// timestamptz) in canonical form. Stamping once before a fan-out keeps the
// value identical on every replica.
func (t *Table) StampDefaults(row Row, now time.Time) Row {
	out := make(Row, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	stamp := normalizeValue(now.Truncate(time.Microsecond))
	for _, col := range t.Columns {
		if col.DefaultNow && out[col.Name] == nil {
			out[col.Name] = stamp
		}
	}
	return out
}

// Coerce converts v to the Go type a driver expects for the column
func (c Column) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	v = normalizeValue(v)
	switch c.Type {
	case Integer:
		if n, ok := v.(int64); ok {
			return n, nil
		}
	case Float:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
	case Text:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Timestamp:
		if s, ok := v.(string); ok {
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, c.Name, err)
			}
			return ts, nil
		}
	}
	return nil, fmt.Errorf("%w: %s got %T", ErrInvalidValue, c.Name, v)
}

// Parse converts the textual form of a value, as found in a query string,
// into the canonical value for the column. "null" is nil for nullable columns.
func (c Column) Parse(s string) (any, error) {
	if c.Nullable && s == "null" {
		return nil, nil
	}
	switch c.Type {
	case Integer:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, c.Name, err)
		}
		return n, nil
	case Float:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, c.Name, err)
		}
		return normalizeValue(f), nil
	case Timestamp:
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, c.Name, err)
		}
		return normalizeValue(ts), nil
	default:
		return s, nil
	}
}

// normalizeValue maps driver and decoder values onto the canonical set:
// int64, float64, string, bool and nil. Timestamps become UTC RFC3339Nano
// strings and integral floats become int64.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return normalizeValue(float64(x))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return normalizeValue(f)
		}
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
