package replica

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Store is one database replica holding the tracked tables.
// Rows returned by a Store carry canonical values (see Normalize).
type Store interface {
	Name() string
	// Ping is the lightweight liveness probe
	Ping(ctx context.Context) error
	// Select returns the rows matching cond, ordered by id
	Select(ctx context.Context, table string, cond Condition) ([]Row, error)
	// Insert stores row and returns it as stored, including generated columns
	Insert(ctx context.Context, table string, row Row) (Row, error)
	// Delete removes the rows matching a non-empty cond and returns them
	Delete(ctx context.Context, table string, cond Condition) ([]Row, error)
	// Replace swaps the contents of every tracked table for snap.
	// Tables are cleared in reverse foreign-key order and filled in order.
	Replace(ctx context.Context, snap Snapshot) error
	Close() error
}

// TakeSnapshot reads every tracked table from s
func TakeSnapshot(ctx context.Context, s Store) (Snapshot, error) {
	rows := make([][]Row, len(Tables))
	g, ctx := errgroup.WithContext(ctx)
	for i, t := range Tables {
		i, t := i, t
		g.Go(func() error {
			r, err := s.Select(ctx, t.Name, nil)
			if err != nil {
				return fmt.Errorf("read %s from %s: %w", t.Name, s.Name(), err)
			}
			rows[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := make(Snapshot, len(Tables))
	for i, t := range Tables {
		snap[t.Name] = rows[i]
	}
	return snap, nil
}

// Resync copies every tracked table from src into dst, replacing dst's contents
func Resync(ctx context.Context, src, dst Store) error {
	snap, err := TakeSnapshot(ctx, src)
	if err != nil {
		return err
	}
	if err := dst.Replace(ctx, snap); err != nil {
		return fmt.Errorf("replace %s: %w", dst.Name(), err)
	}
	return nil
}

// Diverged returns the tracked tables whose contents differ between a and b
func Diverged(ctx context.Context, a, b Store) ([]string, error) {
	var snapA, snapB Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snapA, err = TakeSnapshot(gctx, a)
		return err
	})
	g.Go(func() (err error) {
		snapB, err = TakeSnapshot(gctx, b)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snapA.Diff(snapB), nil
}

// Diff returns the tracked tables whose rows differ, in foreign-key order
func (s Snapshot) Diff(other Snapshot) []string {
	var out []string
	for _, t := range Tables {
		if !RowsEqual(s[t.Name], other[t.Name]) {
			out = append(out, t.Name)
		}
	}
	return out
}
