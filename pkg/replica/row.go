package replica

import (
	"sort"
)

// Row is one table row keyed by column name
type Row map[string]any

// Condition is a conjunction of column equalities. An empty condition
// matches every row.
type Condition map[string]any

// Snapshot holds the full contents of every tracked table
type Snapshot map[string][]Row

// Normalize returns a copy of r with canonical values
func Normalize(r Row) Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = normalizeValue(v)
	}
	return out
}

// ID returns the row's identity, or 0 when it has none
func (r Row) ID() int64 {
	if id, ok := normalizeValue(r["id"]).(int64); ok {
		return id
	}
	return 0
}

// Matches reports whether r satisfies every equality in c
func (c Condition) Matches(r Row) bool {
	for k, want := range c {
		if !valuesEqual(normalizeValue(r[k]), normalizeValue(want)) {
			return false
		}
	}
	return true
}

// SortByID orders rows by identity in place
func SortByID(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ID() < rows[j].ID() })
}

// RowsEqual reports whether a and b hold the same rows, ignoring order
func RowsEqual(a, b []Row) bool {
	if len(a) != len(b) {
		return false
	}
	x := normalizeAll(a)
	y := normalizeAll(b)
	SortByID(x)
	SortByID(y)
	for i := range x {
		if !rowEqual(x[i], y[i]) {
			return false
		}
	}
	return true
}

func normalizeAll(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = Normalize(r)
	}
	return out
}

// rowEqual treats an absent column and a nil value alike
func rowEqual(a, b Row) bool {
	for k, v := range a {
		if !valuesEqual(v, b[k]) {
			return false
		}
	}
	for k, v := range b {
		if _, ok := a[k]; !ok && v != nil {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	switch a.(type) {
	case nil, int64, float64, string, bool:
		return a == b
	}
	return false
}
