package plan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines floor plan persistence operations.
type Repository interface {
	Upsert(ctx context.Context, p Plan) (Plan, error)
	Get(ctx context.Context, floorID string) (Plan, error)
	List(ctx context.Context) ([]Plan, error)
	Delete(ctx context.Context, floorID string) error
}

// SQLiteRepository implements Repository using the floor_plans table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed plan repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Upsert inserts or replaces the plan for p.FloorID. The creation time of
// an existing plan is preserved.
//
// Returns:
//   - Plan: The stored plan with its timestamps
//   - error: ErrInvalidFloorID, ErrInvalidDocument or a storage failure
func (r *SQLiteRepository) Upsert(ctx context.Context, p Plan) (Plan, error) {
	checked, err := New(p.FloorID, p.Document)
	if err != nil {
		return Plan{}, err
	}
	if p.Name != "" {
		checked.Name = p.Name
	}

	now := r.now().UTC()
	const query = `INSERT INTO floor_plans (floor_id, name, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(floor_id) DO UPDATE SET
			name = excluded.name,
			document = excluded.document,
			updated_at = excluded.updated_at
		RETURNING created_at`

	var created string
	err = r.db.QueryRowContext(ctx, query,
		checked.FloorID, checked.Name, string(checked.Document),
		formatTime(now), formatTime(now)).Scan(&created)
	if err != nil {
		return Plan{}, fmt.Errorf("upserting plan %s: %w", checked.FloorID, err)
	}

	checked.UpdatedAt = now
	if checked.CreatedAt, err = parseTime(created); err != nil {
		return Plan{}, err
	}
	return checked, nil
}

// Get returns the plan for floorID.
func (r *SQLiteRepository) Get(ctx context.Context, floorID string) (Plan, error) {
	const query = `SELECT floor_id, name, document, created_at, updated_at
		FROM floor_plans WHERE floor_id = ?`
	p, err := scanPlan(r.db.QueryRowContext(ctx, query, floorID))
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, floorID)
	}
	if err != nil {
		return Plan{}, fmt.Errorf("getting plan %s: %w", floorID, err)
	}
	return p, nil
}

// List returns every plan ordered by floor id.
func (r *SQLiteRepository) List(ctx context.Context) ([]Plan, error) {
	const query = `SELECT floor_id, name, document, created_at, updated_at
		FROM floor_plans ORDER BY floor_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	defer rows.Close()

	plans := make([]Plan, 0)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating plans: %w", err)
	}
	return plans, nil
}

// Delete removes the plan for floorID.
func (r *SQLiteRepository) Delete(ctx context.Context, floorID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM floor_plans WHERE floor_id = ?`, floorID)
	if err != nil {
		return fmt.Errorf("deleting plan %s: %w", floorID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting plan %s: %w", floorID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, floorID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (Plan, error) {
	var (
		p                Plan
		doc              string
		created, updated string
	)
	if err := s.Scan(&p.FloorID, &p.Name, &doc, &created, &updated); err != nil {
		return Plan{}, err
	}
	p.Document = []byte(doc)

	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return Plan{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing plan timestamp %q: %w", s, err)
	}
	return t, nil
}
