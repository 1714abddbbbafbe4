package canvas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/paintbox/internal/grid"
	"github.com/mcdev12/paintbox/internal/models"
)

// CanvasRepository defines what the app layer needs from the repository.
type CanvasRepository interface {
	CreateCanvas(ctx context.Context, req CreateCanvasRequest) (*models.Canvas, error)
	GetCanvas(ctx context.Context, id uuid.UUID) (*models.Canvas, error)
	ListActiveCanvases(ctx context.Context) ([]models.Canvas, error)
	MarkCanvasEnded(ctx context.Context, id uuid.UUID, endedAt time.Time) error
	GetCellsByCanvas(ctx context.Context, canvasID uuid.UUID) ([]models.Cell, error)
	UpsertCellsBatch(ctx context.Context, canvasID uuid.UUID, writes []CellWrite) error
	DeleteCanvas(ctx context.Context, id uuid.UUID) error
}

// App handles canvas business logic: creation with cell pre-generation and
// the cache-first pixel query surface.
type App struct {
	repo  CanvasRepository
	cache *grid.Cache

	// metadata keeps canvas dimensions and lifecycle in memory so the hot
	// paint path never queries the durable store.
	metaMu   sync.RWMutex
	metadata map[uuid.UUID]*models.Canvas
}

// NewApp creates a canvas App.
func NewApp(repo CanvasRepository, cache *grid.Cache) *App {
	return &App{
		repo:     repo,
		cache:    cache,
		metadata: make(map[uuid.UUID]*models.Canvas),
	}
}

// CreateCanvas validates the request, creates the canvas with its
// pre-materialized cells, and warms the cache.
func (a *App) CreateCanvas(ctx context.Context, req CreateCanvasRequest) (*models.Canvas, error) {
	if err := validateCreateCanvasRequest(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	cv, err := a.repo.CreateCanvas(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create canvas: %w", err)
	}

	a.metaMu.Lock()
	a.metadata[cv.ID] = cv
	a.metaMu.Unlock()

	log.Info().
		Str("canvas_id", cv.ID.String()).
		Int("width", cv.Width).
		Int("height", cv.Height).
		Str("mode", string(cv.Mode)).
		Msg("canvas created")

	out := *cv
	return &out, nil
}

// GetCanvas returns canvas metadata, from memory when available. Callers
// always get their own copy; the cached entry is only mutated under metaMu
// by MarkEnded.
func (a *App) GetCanvas(ctx context.Context, id uuid.UUID) (*models.Canvas, error) {
	a.metaMu.RLock()
	if cv, ok := a.metadata[id]; ok {
		out := *cv
		a.metaMu.RUnlock()
		return &out, nil
	}
	a.metaMu.RUnlock()

	cv, err := a.repo.GetCanvas(ctx, id)
	if err != nil {
		return nil, err
	}

	a.metaMu.Lock()
	a.metadata[id] = cv
	a.metaMu.Unlock()

	out := *cv
	return &out, nil
}

// GetAllPixels returns the full grid of a canvas, cache-first. On a cache
// miss the durable rows are loaded and the cache repopulated.
func (a *App) GetAllPixels(ctx context.Context, canvasID uuid.UUID) ([]models.Pixel, error) {
	if _, err := a.GetCanvas(ctx, canvasID); err != nil {
		return nil, err
	}

	if !a.cache.Warm(canvasID) {
		cells, err := a.repo.GetCellsByCanvas(ctx, canvasID)
		if err != nil {
			return nil, fmt.Errorf("failed to load cells from durable store: %w", err)
		}
		a.cache.Populate(canvasID, cells)
		log.Info().
			Str("canvas_id", canvasID.String()).
			Int("cells", len(cells)).
			Msg("cache repopulated from durable store")
	}

	cached := a.cache.Cells(canvasID)
	pixels := make([]models.Pixel, 0, len(cached))
	for coord, value := range cached {
		pixels = append(pixels, models.Pixel{X: coord.X, Y: coord.Y, Color: value.Color})
	}
	return pixels, nil
}

// ListActiveCanvases returns every canvas still in its lifecycle window.
func (a *App) ListActiveCanvases(ctx context.Context) ([]models.Canvas, error) {
	canvases, err := a.repo.ListActiveCanvases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active canvases: %w", err)
	}
	return canvases, nil
}

// MarkEnded stamps the canvas's end time and refreshes cached metadata.
func (a *App) MarkEnded(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	if err := a.repo.MarkCanvasEnded(ctx, id, endedAt); err != nil {
		return err
	}

	a.metaMu.Lock()
	if cv, ok := a.metadata[id]; ok {
		ended := endedAt
		cv.EndedAt = &ended
	}
	a.metaMu.Unlock()
	return nil
}

func validateCreateCanvasRequest(req CreateCanvasRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if req.Width <= 0 || req.Height <= 0 {
		return fmt.Errorf("dimensions must be positive, got %dx%d", req.Width, req.Height)
	}
	switch req.Mode {
	case models.CanvasModeFreePaint, models.CanvasModeTimedEvent, models.CanvasModeCompetitiveRound:
	default:
		return fmt.Errorf("unknown canvas mode %q", req.Mode)
	}
	if req.EndedAt != nil && req.StartedAt != nil && !req.EndedAt.After(*req.StartedAt) {
		return fmt.Errorf("end time must be after start time")
	}
	return nil
}
