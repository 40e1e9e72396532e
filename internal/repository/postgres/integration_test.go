//go:build integration
// +build integration

package postgres

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestIntegration_SaveFrame round-trips a frame through DATABASE_URL.
func TestIntegration_SaveFrame(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	repo := NewDatasetRepository(pool)
	defer repo.Close()

	if err := repo.Health(ctx); err != nil {
		t.Fatalf("Health() error = %v", err)
	}

	const table = "climatescope_integration"
	for i := 0; i < 2; i++ {
		n, err := repo.SaveFrame(ctx, table, testFrame(t))
		if err != nil {
			t.Fatalf("SaveFrame() error = %v", err)
		}
		if n != 2 {
			t.Errorf("SaveFrame() copied %d rows, want 2", n)
		}
	}

	got, err := repo.CountRows(ctx, table)
	if err != nil {
		t.Fatalf("CountRows() error = %v", err)
	}
	if got != 2 {
		t.Errorf("CountRows() = %d, want 2 (save replaces the table)", got)
	}
	_, _ = pool.Exec(ctx, `DROP TABLE IF EXISTS "climatescope_integration"`)
}
