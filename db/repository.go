package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go_txt2img/sdruntime"
)

// Status values stored in the status column.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// GenerationEntry is a row of the generations table.
type GenerationEntry struct {
	ID            int64
	RequestID     string
	Prompt        string
	Model         string
	Engine        string
	Steps         int
	Width         int
	Height        int
	GuidanceScale float64
	DurationMS    int64
	Status        string
	ErrorMessage  string
	OutputPath    string
	CreatedAt     time.Time
}

// LoadEntry is a row of the model_loads table.
type LoadEntry struct {
	ID           int64
	Model        string
	Revision     string
	Strategy     string
	DurationMS   int64
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
}

// Repository reads and writes generation history. Writes go through the
// AsyncWriter when one is running and fall back to synchronous writes
// otherwise.
type Repository struct {
	db          *Database
	asyncWriter *AsyncWriter
}

var _ sdruntime.Recorder = (*Repository)(nil)

// NewRepository creates a Repository. asyncWriter may be nil.
func NewRepository(db *Database, asyncWriter *AsyncWriter) *Repository {
	return &Repository{db: db, asyncWriter: asyncWriter}
}

// RecordGeneration stores a GenerateImage call.
func (r *Repository) RecordGeneration(ctx context.Context, rec sdruntime.GenerationRecord) error {
	entry := GenerationEntry{
		RequestID:     rec.RequestID,
		Prompt:        rec.Params.Prompt,
		Model:         rec.Model,
		Engine:        rec.Engine,
		Steps:         rec.Params.Steps,
		Width:         rec.Params.Width,
		Height:        rec.Params.Height,
		GuidanceScale: rec.Params.GuidanceScale,
		DurationMS:    rec.Duration.Milliseconds(),
		Status:        StatusSuccess,
	}
	if rec.Err != nil {
		entry.Status = StatusError
		entry.ErrorMessage = rec.Err.Error()
	}
	_, err := r.InsertGeneration(ctx, entry)
	return err
}

// RecordLoad stores a pipeline load attempt.
func (r *Repository) RecordLoad(ctx context.Context, rec sdruntime.LoadRecord) error {
	entry := LoadEntry{
		Model:      rec.Model,
		Revision:   rec.Revision,
		Strategy:   string(rec.Strategy),
		DurationMS: rec.Duration.Milliseconds(),
		Status:     StatusSuccess,
	}
	if rec.Err != nil {
		entry.Status = StatusError
		entry.ErrorMessage = rec.Err.Error()
	}
	_, err := r.InsertLoad(ctx, entry)
	return err
}

// InsertGeneration inserts a generations row and returns its id, or 0 when
// the write was queued.
func (r *Repository) InsertGeneration(ctx context.Context, e GenerationEntry) (int64, error) {
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	query := `
		INSERT INTO generations (
			request_id, prompt, model, engine, steps, width, height,
			guidance_scale, duration_ms, status, error_message, output_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		e.RequestID, e.Prompt, e.Model, nullString(e.Engine),
		e.Steps, e.Width, e.Height, e.GuidanceScale, e.DurationMS,
		e.Status, nullString(e.ErrorMessage), nullString(e.OutputPath),
	}
	id, err := r.exec(ctx, query, args)
	if err != nil {
		return 0, fmt.Errorf("failed to insert generation: %w", err)
	}
	return id, nil
}

// InsertLoad inserts a model_loads row and returns its id, or 0 when the
// write was queued.
func (r *Repository) InsertLoad(ctx context.Context, e LoadEntry) (int64, error) {
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	query := `
		INSERT INTO model_loads (
			model, revision, strategy, duration_ms, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?)`
	args := []any{
		e.Model, nullString(e.Revision), e.Strategy, e.DurationMS,
		e.Status, nullString(e.ErrorMessage),
	}
	id, err := r.exec(ctx, query, args)
	if err != nil {
		return 0, fmt.Errorf("failed to insert model load: %w", err)
	}
	return id, nil
}

// AttachOutput records where the image of requestID was saved. Queued
// updates are applied after the queued insert they refer to.
func (r *Repository) AttachOutput(ctx context.Context, requestID, path string) error {
	query := `UPDATE generations SET output_path = ? WHERE request_id = ?`
	args := []any{path, requestID}

	if r.queue(query, args) {
		return nil
	}
	if r.db == nil {
		return errNilDatabase
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to attach output: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("generation %s: %w", requestID, ErrNotFound)
	}
	return nil
}

const generationColumns = `
	id, request_id, prompt, model, COALESCE(engine, ''), steps, width, height,
	guidance_scale, duration_ms, status, COALESCE(error_message, ''),
	COALESCE(output_path, ''), created_at`

// RecentGenerations returns the newest generations first. A non-positive
// limit returns 10.
func (r *Repository) RecentGenerations(ctx context.Context, limit int) ([]GenerationEntry, error) {
	if r.db == nil {
		return nil, errNilDatabase
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT`+generationColumns+` FROM generations ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query generations: %w", err)
	}
	defer rows.Close()

	var entries []GenerationEntry
	for rows.Next() {
		e, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating generation rows: %w", err)
	}
	return entries, nil
}

// GenerationByRequestID returns the latest generation recorded under
// requestID.
func (r *Repository) GenerationByRequestID(ctx context.Context, requestID string) (GenerationEntry, error) {
	if r.db == nil {
		return GenerationEntry{}, errNilDatabase
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT`+generationColumns+` FROM generations WHERE request_id = ? ORDER BY id DESC LIMIT 1`, requestID)
	if err != nil {
		return GenerationEntry{}, fmt.Errorf("failed to query generation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return GenerationEntry{}, fmt.Errorf("failed to query generation: %w", err)
		}
		return GenerationEntry{}, fmt.Errorf("generation %s: %w", requestID, ErrNotFound)
	}
	return scanGeneration(rows)
}

// RecentLoads returns the newest model loads first. A non-positive limit
// returns 10.
func (r *Repository) RecentLoads(ctx context.Context, limit int) ([]LoadEntry, error) {
	if r.db == nil {
		return nil, errNilDatabase
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, model, COALESCE(revision, ''), strategy, duration_ms, status,
		       COALESCE(error_message, ''), created_at
		FROM model_loads
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query model loads: %w", err)
	}
	defer rows.Close()

	var entries []LoadEntry
	for rows.Next() {
		var e LoadEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Model, &e.Revision, &e.Strategy, &e.DurationMS,
			&e.Status, &e.ErrorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan model load row: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model load rows: %w", err)
	}
	return entries, nil
}

// CountGenerations returns the number of generations with status, or of all
// generations when status is empty.
func (r *Repository) CountGenerations(ctx context.Context, status string) (int64, error) {
	if r.db == nil {
		return 0, errNilDatabase
	}

	query, args := `SELECT COUNT(*) FROM generations`, []any(nil)
	if status != "" {
		query, args = query+` WHERE status = ?`, []any{status}
	}
	var count int64
	if err := r.db.ScanRow(ctx, query, args, &count); err != nil {
		return 0, fmt.Errorf("failed to count generations: %w", err)
	}
	return count, nil
}

// asyncExecOp is a statement queued on the AsyncWriter.
type asyncExecOp struct {
	query string
	args  []any
}

// CreateAsyncWriteHandler returns the handler that applies queued
// statements. Pass it to NewAsyncWriter.
func (r *Repository) CreateAsyncWriteHandler() WriteHandler {
	return func(op WriteOperation) error {
		execOp, ok := op.Data.(asyncExecOp)
		if !ok {
			return fmt.Errorf("invalid operation type %T", op.Data)
		}
		_, err := r.db.ExecContext(context.Background(), execOp.query, execOp.args...)
		return err
	}
}

// exec queues the statement or runs it synchronously when the writer is not
// running or its buffer is full.
func (r *Repository) exec(ctx context.Context, query string, args []any) (int64, error) {
	if r.queue(query, args) {
		return 0, nil
	}
	if r.db == nil {
		return 0, errNilDatabase
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repository) queue(query string, args []any) bool {
	if r.asyncWriter == nil || !r.asyncWriter.IsStarted() {
		return false
	}
	return r.asyncWriter.Write(asyncExecOp{query: query, args: args})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row rowScanner) (GenerationEntry, error) {
	var e GenerationEntry
	var createdAt string
	err := row.Scan(&e.ID, &e.RequestID, &e.Prompt, &e.Model, &e.Engine,
		&e.Steps, &e.Width, &e.Height, &e.GuidanceScale, &e.DurationMS,
		&e.Status, &e.ErrorMessage, &e.OutputPath, &createdAt)
	if err != nil {
		return GenerationEntry{}, fmt.Errorf("failed to scan generation row: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return e, nil
}

var errNilDatabase = errors.New("database connection is nil")

// nullString stores an empty string as NULL.
func nullString(s string) any {
	if s == "" {
		return sql.NullString{}
	}
	return s
}
