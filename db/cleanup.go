package db

import (
	"context"
	"fmt"
	"time"
)

// CleanupResult contains statistics about a cleanup operation.
type CleanupResult struct {
	GenerationsDeleted int64
	LoadsDeleted       int64
	TotalDeleted       int64
	Duration           time.Duration
}

// tablesToClean have a created_at column holding an RFC 3339 UTC timestamp,
// which orders correctly as text.
var tablesToClean = []string{
	"generations",
	"model_loads",
}

// Cleanup deletes history older than retentionDays and runs VACUUM.
// Deletions happen in one transaction.
func (d *Database) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	start := time.Now()
	result := CleanupResult{}

	if retentionDays < 0 {
		return result, fmt.Errorf("retentionDays must be non-negative, got %d", retentionDays)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return result, errClosed
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	cutoff := fmt.Sprintf("-%d days", retentionDays)
	deleted := make(map[string]int64, len(tablesToClean))
	for _, table := range tablesToClean {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		query := fmt.Sprintf(
			"DELETE FROM %s WHERE created_at < strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now', ?)",
			table,
		)
		res, err := tx.ExecContext(ctx, query, cutoff)
		if err != nil {
			return result, fmt.Errorf("failed to delete from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("failed to get rows affected for %s: %w", table, err)
		}
		deleted[table] = n
		result.TotalDeleted += n
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	result.GenerationsDeleted = deleted["generations"]
	result.LoadsDeleted = deleted["model_loads"]

	if _, err := d.db.ExecContext(ctx, "VACUUM"); err != nil {
		result.Duration = time.Since(start)
		return result, fmt.Errorf("cleanup succeeded but VACUUM failed: %w", err)
	}

	result.Duration = time.Since(start)
	return result, nil
}
