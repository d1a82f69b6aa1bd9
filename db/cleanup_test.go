package db

import (
	"context"
	"fmt"
	"testing"
)

// insertAged inserts one generation and one model load created daysAgo days
// in the past.
func insertAged(t *testing.T, database *Database, daysAgo int) {
	t.Helper()
	ctx := context.Background()
	age := fmt.Sprintf("-%d days", daysAgo)

	if _, err := database.ExecContext(ctx, `
		INSERT INTO generations (request_id, prompt, model, steps, width, height,
			guidance_scale, status, created_at)
		VALUES ('aged', 'p', 'm', 5, 32, 32, 7.5, 'success',
			strftime('%Y-%m-%dT%H:%M:%SZ', 'now', ?))`, age); err != nil {
		t.Fatalf("insert generation: %v", err)
	}
	if _, err := database.ExecContext(ctx, `
		INSERT INTO model_loads (model, strategy, status, created_at)
		VALUES ('m', 'direct', 'success', strftime('%Y-%m-%dT%H:%M:%SZ', 'now', ?))`, age); err != nil {
		t.Fatalf("insert model load: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	tests := []struct {
		name          string
		retentionDays int
		ages          []int
		wantDeleted   int64
	}{
		{"keeps recent history", 30, []int{1, 2}, 0},
		{"deletes history past retention", 30, []int{1, 45, 90}, 2},
		{"deletes everything older than a day", 1, []int{2, 3}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := newTestDatabase(t)
			for _, age := range tt.ages {
				insertAged(t, database, age)
			}

			result, err := database.Cleanup(context.Background(), tt.retentionDays)
			if err != nil {
				t.Fatalf("Cleanup() error = %v", err)
			}
			if result.GenerationsDeleted != tt.wantDeleted {
				t.Errorf("GenerationsDeleted = %d, want %d", result.GenerationsDeleted, tt.wantDeleted)
			}
			if result.LoadsDeleted != tt.wantDeleted {
				t.Errorf("LoadsDeleted = %d, want %d", result.LoadsDeleted, tt.wantDeleted)
			}
			if result.TotalDeleted != 2*tt.wantDeleted {
				t.Errorf("TotalDeleted = %d, want %d", result.TotalDeleted, 2*tt.wantDeleted)
			}

			repo := NewRepository(database, nil)
			count, err := repo.CountGenerations(context.Background(), "")
			if err != nil {
				t.Fatalf("CountGenerations() error = %v", err)
			}
			if want := int64(len(tt.ages)) - tt.wantDeleted; count != want {
				t.Errorf("remaining generations = %d, want %d", count, want)
			}
		})
	}
}

func TestCleanupErrors(t *testing.T) {
	t.Run("negative retention", func(t *testing.T) {
		database := newTestDatabase(t)
		if _, err := database.Cleanup(context.Background(), -1); err == nil {
			t.Error("Cleanup(-1) expected error, got nil")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		database := newTestDatabase(t)
		insertAged(t, database, 90)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := database.Cleanup(ctx, 30); err == nil {
			t.Error("Cleanup() with cancelled context expected error, got nil")
		}

		count, err := NewRepository(database, nil).CountGenerations(context.Background(), "")
		if err != nil {
			t.Fatalf("CountGenerations() error = %v", err)
		}
		if count != 1 {
			t.Errorf("cancelled cleanup deleted rows: count = %d, want 1", count)
		}
	})

	t.Run("closed database", func(t *testing.T) {
		database := newTestDatabase(t)
		database.Close()
		if _, err := database.Cleanup(context.Background(), 30); err == nil {
			t.Error("Cleanup() on closed database expected error, got nil")
		}
	})
}
