package canvas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/paintbox/internal/models"
	"github.com/mcdev12/paintbox/internal/sqlutil"
)

// ErrCanvasNotFound is returned when a canvas id has no row.
var ErrCanvasNotFound = errors.New("canvas not found")

// pregenChunkSize bounds the row count of a single cell pre-generation
// statement. A 1000x1000 canvas generates 200 chunks.
const pregenChunkSize = 5000

// Repository implements canvas and cell data access on Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a canvas repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateCanvas inserts the canvas row and pre-generates its width x height
// cells with the default color, chunked to bound statement size. The insert
// and pre-generation commit together: a half-materialized canvas never
// becomes visible.
func (r *Repository) CreateCanvas(ctx context.Context, req CreateCanvasRequest) (*models.Canvas, error) {
	cv := &models.Canvas{
		ID:        uuid.New(),
		Name:      req.Name,
		Width:     req.Width,
		Height:    req.Height,
		Mode:      req.Mode,
		CreatedAt: time.Now().UTC(),
		StartedAt: req.StartedAt,
		EndedAt:   req.EndedAt,
	}

	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
            INSERT INTO canvases (id, name, width, height, mode, created_at, started_at, ended_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        `, cv.ID, cv.Name, cv.Width, cv.Height, cv.Mode, cv.CreatedAt, cv.StartedAt, cv.EndedAt)
		if err != nil {
			return fmt.Errorf("failed to create canvas: %w", err)
		}
		if err := generateCells(ctx, tx, cv); err != nil {
			return fmt.Errorf("failed to pre-generate cells: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cv, nil
}

// generateCells bulk-inserts every cell of the canvas in bounded chunks.
func generateCells(ctx context.Context, tx pgx.Tx, cv *models.Canvas) error {
	now := time.Now().UTC()
	total := cv.Width * cv.Height

	rows := make([][]any, 0, pregenChunkSize)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"cells"},
			[]string{"canvas_id", "x", "y", "color", "owner", "updated_at"},
			pgx.CopyFromRows(rows),
		)
		rows = rows[:0]
		return err
	}

	for i := 0; i < total; i++ {
		x, y := i%cv.Width, i/cv.Width
		rows = append(rows, []any{cv.ID, x, y, models.DefaultCellColor, "", now})
		if len(rows) == pregenChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// GetCanvas retrieves a canvas by id.
func (r *Repository) GetCanvas(ctx context.Context, id uuid.UUID) (*models.Canvas, error) {
	var cv models.Canvas
	err := r.pool.QueryRow(ctx, `
        SELECT id, name, width, height, mode, created_at, started_at, ended_at
        FROM canvases WHERE id = $1
    `, id).Scan(&cv.ID, &cv.Name, &cv.Width, &cv.Height, &cv.Mode, &cv.CreatedAt, &cv.StartedAt, &cv.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCanvasNotFound
		}
		return nil, fmt.Errorf("failed to get canvas: %w", err)
	}
	return &cv, nil
}

// ListActiveCanvases returns canvases whose lifecycle window is still open.
func (r *Repository) ListActiveCanvases(ctx context.Context) ([]models.Canvas, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT id, name, width, height, mode, created_at, started_at, ended_at
        FROM canvases
        WHERE ended_at IS NULL OR ended_at > now()
    `)
	if err != nil {
		return nil, fmt.Errorf("failed to list active canvases: %w", err)
	}
	defer rows.Close()

	var canvases []models.Canvas
	for rows.Next() {
		var cv models.Canvas
		if err := rows.Scan(&cv.ID, &cv.Name, &cv.Width, &cv.Height, &cv.Mode, &cv.CreatedAt, &cv.StartedAt, &cv.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan canvas: %w", err)
		}
		canvases = append(canvases, cv)
	}
	return canvases, rows.Err()
}

// MarkCanvasEnded stamps ended_at, used by forced early termination.
func (r *Repository) MarkCanvasEnded(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
        UPDATE canvases SET ended_at = $2 WHERE id = $1
    `, id, endedAt)
	if err != nil {
		return fmt.Errorf("failed to mark canvas ended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCanvasNotFound
	}
	return nil
}

// GetCellsByCanvas loads every cell row of a canvas.
func (r *Repository) GetCellsByCanvas(ctx context.Context, canvasID uuid.UUID) ([]models.Cell, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT canvas_id, x, y, color, owner, updated_at
        FROM cells WHERE canvas_id = $1
    `, canvasID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cells: %w", err)
	}
	defer rows.Close()

	var cells []models.Cell
	for rows.Next() {
		var cell models.Cell
		if err := rows.Scan(&cell.CanvasID, &cell.X, &cell.Y, &cell.Color, &cell.Owner, &cell.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

// UpsertCellsBatch persists one bounded batch of cell states from the
// write-back flusher. The batch is a single implicit transaction: either
// every cell lands or none do, so the caller can keep the whole batch dirty
// on failure.
func (r *Repository) UpsertCellsBatch(ctx context.Context, canvasID uuid.UUID, writes []CellWrite) error {
	if len(writes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, w := range writes {
		batch.Queue(`
            INSERT INTO cells (canvas_id, x, y, color, owner, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6)
            ON CONFLICT (canvas_id, x, y)
            DO UPDATE SET color = EXCLUDED.color, owner = EXCLUDED.owner, updated_at = EXCLUDED.updated_at
        `, canvasID, w.Coord.X, w.Coord.Y, w.Color, w.Owner, now)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range writes {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert cell batch: %w", err)
		}
	}
	return nil
}

// DeleteCanvas removes the canvas and its cells atomically.
func (r *Repository) DeleteCanvas(ctx context.Context, id uuid.UUID) error {
	return sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM cells WHERE canvas_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete cells: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM canvases WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete canvas: %w", err)
		}
		return nil
	})
}
