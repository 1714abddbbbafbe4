// Package broadcast accumulates accepted pixel writes per canvas and flushes
// them to subscribers at a bounded cadence. One shared ticker drives every
// canvas's accumulator; there is never a timer per canvas.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/paintbox/internal/events"
	"github.com/mcdev12/paintbox/internal/models"
)

// Config holds batcher tuning.
type Config struct {
	// FlushInterval is the shared tick driving interval flushes.
	// ~60 flushes/second system-wide.
	FlushInterval time.Duration
	// SizeThreshold flushes a canvas early once this many writes are
	// pending.
	SizeThreshold int
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		FlushInterval: time.Second / 60,
		SizeThreshold: 256,
	}
}

// Batcher is the broadcast batching layer. Accepted writes go in through
// Enqueue; batched pixel_update events come out through the publisher.
type Batcher struct {
	config    Config
	clock     clockwork.Clock
	publisher events.Publisher

	mu      sync.Mutex
	pending map[uuid.UUID][]models.Pixel

	// wakeCh nudges the run loop when a canvas crosses the size threshold.
	wakeCh chan uuid.UUID
}

// NewBatcher creates a batcher. Start must be called before writes flush.
func NewBatcher(config Config, clock clockwork.Clock, publisher events.Publisher) *Batcher {
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultConfig().FlushInterval
	}
	if config.SizeThreshold <= 0 {
		config.SizeThreshold = DefaultConfig().SizeThreshold
	}
	return &Batcher{
		config:    config,
		clock:     clock,
		publisher: publisher,
		pending:   make(map[uuid.UUID][]models.Pixel),
		wakeCh:    make(chan uuid.UUID, 64),
	}
}

// Enqueue appends an accepted write to the canvas's pending list. Relative
// order of enqueue is preserved within a canvas.
func (b *Batcher) Enqueue(canvasID uuid.UUID, pixel models.Pixel) {
	b.mu.Lock()
	b.pending[canvasID] = append(b.pending[canvasID], pixel)
	over := len(b.pending[canvasID]) >= b.config.SizeThreshold
	b.mu.Unlock()

	if over {
		select {
		case b.wakeCh <- canvasID:
		default:
			// The run loop is already behind; the next tick picks it up.
		}
	}
}

// Run drives the shared flush ticker until ctx is cancelled. All flushing
// happens on this goroutine, which keeps per-canvas batch order.
func (b *Batcher) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	log.Info().
		Dur("flush_interval", b.config.FlushInterval).
		Int("size_threshold", b.config.SizeThreshold).
		Msg("broadcast batcher started")

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is pending so no accepted write is dropped.
			b.FlushAll(context.Background())
			log.Info().Msg("broadcast batcher stopped")
			return
		case canvasID := <-b.wakeCh:
			b.flushCanvas(ctx, canvasID)
		case <-ticker.Chan():
			b.FlushAll(ctx)
		}
	}
}

// FlushAll flushes every canvas with pending writes.
func (b *Batcher) FlushAll(ctx context.Context) {
	b.mu.Lock()
	ids := make([]uuid.UUID, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.flushCanvas(ctx, id)
	}
}

// flushCanvas takes the canvas's whole pending list and emits it as one
// batched pixel_update. On publish failure the batch is put back at the
// front so no accepted write is lost.
func (b *Batcher) flushCanvas(ctx context.Context, canvasID uuid.UUID) {
	b.mu.Lock()
	batch := b.pending[canvasID]
	if len(batch) == 0 {
		b.mu.Unlock()
		return
	}
	delete(b.pending, canvasID)
	b.mu.Unlock()

	envelope, err := events.NewEnvelope(events.TypePixelUpdate, canvasID, events.PixelUpdatePayload{Pixels: batch})
	if err != nil {
		log.Error().Err(err).Str("canvas_id", canvasID.String()).Msg("failed to build pixel_update envelope")
		b.requeue(canvasID, batch)
		return
	}

	if err := b.publisher.Publish(ctx, envelope); err != nil {
		log.Error().
			Err(err).
			Str("canvas_id", canvasID.String()).
			Int("pixels", len(batch)).
			Msg("failed to publish pixel_update, requeueing batch")
		b.requeue(canvasID, batch)
		return
	}

	log.Debug().
		Str("canvas_id", canvasID.String()).
		Int("pixels", len(batch)).
		Msg("pixel batch flushed")
}

func (b *Batcher) requeue(canvasID uuid.UUID, batch []models.Pixel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[canvasID] = append(batch, b.pending[canvasID]...)
}

// PendingCount returns the number of unflushed writes for a canvas.
func (b *Batcher) PendingCount(canvasID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[canvasID])
}
