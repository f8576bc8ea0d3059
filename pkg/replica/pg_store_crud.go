package replica

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

const realignSequenceSQL = `SELECT setval(pg_get_serial_sequence($1, 'id'), COALESCE(MAX(id), 1), MAX(id) IS NOT NULL) FROM %s`

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func columnList(t *Table) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quote(c.Name)
	}
	return strings.Join(cols, ", ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// whereClause renders cond as an AND of equalities; nil values match NULL
func whereClause(t *Table, cond Condition) (string, []any, error) {
	if len(cond) == 0 {
		return "", nil, nil
	}
	var parts []string
	var args []any
	for _, k := range sortedKeys(cond) {
		col, ok := t.Column(k)
		if !ok {
			return "", nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.Name, k)
		}
		v, err := col.Coerce(cond[k])
		if err != nil {
			return "", nil, err
		}
		if v == nil {
			parts = append(parts, quote(k)+" IS NULL")
			continue
		}
		args = append(args, v)
		parts = append(parts, fmt.Sprintf("%s = $%d", quote(k), len(args)))
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func collect(rows pgx.Rows) ([]Row, error) {
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	out := make([]Row, len(maps))
	for i, m := range maps {
		out[i] = Normalize(m)
	}
	return out, nil
}

// Select returns the rows of table matching cond, ordered by id
func (s *PGStore) Select(ctx context.Context, table string, cond Condition) ([]Row, error) {
	t, err := LookupTable(table)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(t, cond)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY id", columnList(t), quote(t.Name), where)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select from %s: %w", t.Name, err)
	}
	return collect(rows)
}

// Insert adds row to table and returns the stored row
func (s *PGStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	t, err := LookupTable(table)
	if err != nil {
		return nil, err
	}
	if err := t.Check(row); err != nil {
		return nil, err
	}

	var cols, params []string
	var args []any
	for _, k := range sortedKeys(row) {
		col, _ := t.Column(k)
		v, err := col.Coerce(row[k])
		if err != nil {
			return nil, err
		}
		args = append(args, v)
		cols = append(cols, quote(k))
		params = append(params, fmt.Sprintf("$%d", len(args)))
	}

	var query string
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", quote(t.Name), columnList(t))
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			quote(t.Name), strings.Join(cols, ", "), strings.Join(params, ", "), columnList(t))
	}

	var inserted map[string]any
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		inserted, err = pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
		if err != nil {
			return err
		}
		// An explicit id bypasses the identity sequence.
		if _, ok := row["id"]; ok {
			return realignSequence(ctx, tx, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", t.Name, err)
	}
	return Normalize(inserted), nil
}

// Delete removes the rows of table matching cond and returns them
func (s *PGStore) Delete(ctx context.Context, table string, cond Condition) ([]Row, error) {
	t, err := LookupTable(table)
	if err != nil {
		return nil, err
	}
	if len(cond) == 0 {
		return nil, ErrEmptyCondition
	}
	where, args, err := whereClause(t, cond)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("DELETE FROM %s%s RETURNING %s", quote(t.Name), where, columnList(t))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to delete from %s: %w", t.Name, err)
	}
	return collect(rows)
}

// Replace swaps every tracked table for the snapshot in one transaction.
// Rows are loaded with COPY, which keeps their ids, and each identity
// sequence is then moved past the highest id.
func (s *PGStore) Replace(ctx context.Context, snap Snapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := len(Tables) - 1; i >= 0; i-- {
			if _, err := tx.Exec(ctx, "DELETE FROM "+quote(Tables[i].Name)); err != nil {
				return fmt.Errorf("clear %s: %w", Tables[i].Name, err)
			}
		}

		for i := range Tables {
			t := &Tables[i]
			rows := snap[t.Name]
			if len(rows) > 0 {
				data := make([][]any, len(rows))
				for r, row := range rows {
					vals := make([]any, len(t.Columns))
					for c, col := range t.Columns {
						v, err := col.Coerce(row[col.Name])
						if err != nil {
							return err
						}
						vals[c] = v
					}
					data[r] = vals
				}
				if _, err := tx.CopyFrom(ctx, pgx.Identifier{t.Name}, t.ColumnNames(), pgx.CopyFromRows(data)); err != nil {
					return fmt.Errorf("copy %s: %w", t.Name, err)
				}
			}
			if err := realignSequence(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func realignSequence(ctx context.Context, tx pgx.Tx, t *Table) error {
	if _, err := tx.Exec(ctx, fmt.Sprintf(realignSequenceSQL, quote(t.Name)), t.Name); err != nil {
		return fmt.Errorf("realign %s sequence: %w", t.Name, err)
	}
	return nil
}
