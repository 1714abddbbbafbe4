// Package flush reconciles the grid cache into durable storage. It drains
// the dirty index on a fixed interval and persists affected cells in
// bounded batches; interactive paint latency never waits on the durable
// store.
package flush

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/paintbox/internal/canvas"
	"github.com/mcdev12/paintbox/internal/grid"
	"github.com/mcdev12/paintbox/internal/models"
)

// Config holds flusher tuning.
type Config struct {
	// PollInterval is how often the dirty index is inspected.
	PollInterval time.Duration
	// BatchSize bounds the cell count of a single durable write.
	BatchSize int
	// MinDirty defers a canvas's flush until this many cells are dirty.
	MinDirty int
	// ForceInterval flushes a canvas regardless of dirty-set size, so a
	// canvas with a handful of changes cannot starve.
	ForceInterval time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		BatchSize:     500,
		MinDirty:      32,
		ForceInterval: 30 * time.Second,
	}
}

// CellPersister is what the flusher needs from the canvas repository.
type CellPersister interface {
	UpsertCellsBatch(ctx context.Context, canvasID uuid.UUID, writes []canvas.CellWrite) error
}

// Worker is the write-back flusher.
type Worker struct {
	cache  *grid.Cache
	repo   CellPersister
	config Config
	clock  clockwork.Clock

	mu        sync.Mutex
	running   bool
	lastFlush map[uuid.UUID]time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewWorker creates a flusher.
func NewWorker(cache *grid.Cache, repo CellPersister, config Config, clock clockwork.Clock) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.ForceInterval <= 0 {
		config.ForceInterval = DefaultConfig().ForceInterval
	}
	return &Worker{
		cache:     cache,
		repo:      repo,
		config:    config,
		clock:     clock,
		lastFlush: make(map[uuid.UUID]time.Time),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the flush loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("flush worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", w.config.BatchSize).
		Dur("force_interval", w.config.ForceInterval).
		Msg("flush worker started")
	return nil
}

// Stop halts the loop after a final drain.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("flush worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Msg("flush worker stopped")
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain(context.Background())
			return
		case <-w.stopChan:
			w.drain(context.Background())
			return
		case <-ticker.Chan():
			w.Cycle(ctx)
		}
	}
}

// Cycle runs one flush pass over every live canvas.
func (w *Worker) Cycle(ctx context.Context) {
	for _, canvasID := range w.cache.CanvasIDs() {
		dirty := w.cache.DirtyCount(canvasID)
		if dirty == 0 {
			continue
		}
		if dirty < w.config.MinDirty && !w.forceDue(canvasID) {
			continue
		}
		w.FlushCanvas(ctx, canvasID)
	}
}

// drain persists everything still dirty, ignoring thresholds. Used on
// shutdown so cache state is not lost.
func (w *Worker) drain(ctx context.Context) {
	for _, canvasID := range w.cache.CanvasIDs() {
		if w.cache.DirtyCount(canvasID) > 0 {
			w.FlushCanvas(ctx, canvasID)
		}
	}
}

func (w *Worker) forceDue(canvasID uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	last, ok := w.lastFlush[canvasID]
	if !ok {
		w.lastFlush[canvasID] = w.clock.Now()
		return false
	}
	return w.clock.Now().Sub(last) >= w.config.ForceInterval
}

// FlushCanvas reads the canvas's dirty snapshot, resolves current cache
// values, and persists them in bounded batches. Coordinates are removed
// from the dirty index only after their batch is durably written, and only
// at the generation the snapshot saw, so a concurrent rewrite stays dirty.
// A failed batch leaves its coordinates dirty for the next cycle; other
// batches of the same pass proceed.
func (w *Worker) FlushCanvas(ctx context.Context, canvasID uuid.UUID) {
	snapshot := w.cache.DirtySnapshot(canvasID)
	if len(snapshot) == 0 {
		return
	}

	coords := make([]models.Coord, 0, len(snapshot))
	for coord := range snapshot {
		coords = append(coords, coord)
	}

	flushed, failed := 0, 0
	for start := 0; start < len(coords); start += w.config.BatchSize {
		end := min(start+w.config.BatchSize, len(coords))
		batchCoords := coords[start:end]

		writes := make([]canvas.CellWrite, 0, len(batchCoords))
		batchGen := make(map[models.Coord]uint64, len(batchCoords))
		for _, coord := range batchCoords {
			value, ok := w.cache.Cell(canvasID, coord)
			if !ok {
				// Dirty coordinate without a cache value; nothing to
				// persist, but clear its snapshot generation.
				batchGen[coord] = snapshot[coord]
				continue
			}
			writes = append(writes, canvas.CellWrite{Coord: coord, Color: value.Color, Owner: value.Owner})
			batchGen[coord] = snapshot[coord]
		}

		if err := w.repo.UpsertCellsBatch(ctx, canvasID, writes); err != nil {
			log.Error().
				Err(err).
				Str("canvas_id", canvasID.String()).
				Int("cells", len(writes)).
				Msg("cell batch flush failed, coordinates stay dirty")
			failed += len(batchCoords)
			continue
		}

		w.cache.ClearFlushed(canvasID, batchGen)
		flushed += len(writes)
	}

	w.mu.Lock()
	w.lastFlush[canvasID] = w.clock.Now()
	w.mu.Unlock()

	if flushed > 0 || failed > 0 {
		log.Info().
			Str("canvas_id", canvasID.String()).
			Int("flushed", flushed).
			Int("failed", failed).
			Int("still_dirty", w.cache.DirtyCount(canvasID)).
			Msg("canvas flush cycle complete")
	}
}
