// Package postgres persists cleaned datasets to PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjstillabower/climatescope/internal/dataset"
)

// DefaultTable receives datasets when no table name is given.
const DefaultTable = "climate_observations"

// DatasetRepository writes frames into Postgres tables.
type DatasetRepository struct {
	pool *pgxpool.Pool
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}
	return pool, nil
}

// NewDatasetRepository creates a new PostgreSQL dataset repository
func NewDatasetRepository(pool *pgxpool.Pool) *DatasetRepository {
	return &DatasetRepository{pool: pool}
}

// SaveFrame replaces table with the contents of f in one transaction and returns the rows copied.
func (r *DatasetRepository) SaveFrame(ctx context.Context, table string, f *dataset.Frame) (int64, error) {
	if table == "" {
		table = DefaultTable
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize()); err != nil {
		return 0, fmt.Errorf("postgres: failed to drop %s: %w", table, err)
	}
	if _, err := tx.Exec(ctx, CreateTableSQL(table, f)); err != nil {
		return 0, fmt.Errorf("postgres: failed to create %s: %w", table, err)
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, f.Names(),
		pgx.CopyFromSlice(f.Len(), func(i int) ([]any, error) {
			return rowValues(f, i), nil
		}))
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to copy rows into %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: failed to commit: %w", err)
	}
	return n, nil
}

// CountRows returns the number of rows stored in table.
func (r *DatasetRepository) CountRows(ctx context.Context, table string) (int64, error) {
	if table == "" {
		table = DefaultTable
	}
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM "+pgx.Identifier{table}.Sanitize()).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: failed to count %s: %w", table, err)
	}
	return n, nil
}

// Health checks database connectivity
func (r *DatasetRepository) Health(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: health check failed: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *DatasetRepository) Close() {
	r.pool.Close()
}

// CreateTableSQL returns the DDL for a table matching f's columns.
func CreateTableSQL(table string, f *dataset.Frame) string {
	defs := make([]string, 0, len(f.Columns()))
	for _, c := range f.Columns() {
		defs = append(defs, pgx.Identifier{c.Name}.Sanitize()+" "+sqlType(c.Kind))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", pgx.Identifier{table}.Sanitize(), strings.Join(defs, ",\n\t"))
}

func sqlType(k dataset.Kind) string {
	switch k {
	case dataset.KindNumeric:
		return "DOUBLE PRECISION"
	case dataset.KindTime:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// rowValues returns row i in column order with missing values as NULL.
func rowValues(f *dataset.Frame, i int) []any {
	vals := make([]any, len(f.Columns()))
	for j, c := range f.Columns() {
		if c.Missing(i) {
			continue
		}
		switch c.Kind {
		case dataset.KindNumeric:
			vals[j] = c.Num[i]
		case dataset.KindTime:
			vals[j] = c.Time[i]
		default:
			vals[j] = c.Str[i]
		}
	}
	return vals
}
