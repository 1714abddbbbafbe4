// Package paint orchestrates one pixel write: cooldown gate, cell lease,
// cache write with dirty marking, holder-scoped lease release, cooldown
// stamp, broadcast enqueue.
package paint

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/paintbox/internal/grid"
	"github.com/mcdev12/paintbox/internal/lock"
	"github.com/mcdev12/paintbox/internal/models"
)

// Reason classifies a rejected paint attempt. Rejections are expected,
// frequent, non-fatal outcomes reported to the caller, never errors.
type Reason string

const (
	ReasonAccepted     Reason = ""
	ReasonOnCooldown   Reason = "on_cooldown"
	ReasonContended    Reason = "contended"
	ReasonOutOfBounds  Reason = "out_of_bounds"
	ReasonBadColor     Reason = "bad_color"
	ReasonCanvasEnded  Reason = "canvas_ended"
	ReasonOwnerChanged Reason = "owner_changed"
)

// Outcome is the result of one paint attempt.
type Outcome struct {
	Accepted bool
	Reason   Reason
	// Remaining is the cooldown left, set when Reason is on_cooldown.
	Remaining time.Duration
}

// Request is one paint attempt.
type Request struct {
	CanvasID uuid.UUID
	X, Y     int
	Color    string
	UserID   string
	// Owner, when set, is recorded as the cell's owner. Game writes set it;
	// free-paint writes leave cells unowned.
	Owner string
	// SkipCooldown bypasses the cooldown gate and stamp. Game-internal
	// writes (death freeing) use it; client paints never do.
	SkipCooldown bool
	// ExpectOwner, when non-nil, makes the write conditional: it is
	// rejected with owner_changed unless the cell's current owner matches.
	// Death freeing sets it to the dead user so a takeover racing the free
	// keeps the new owner's cell.
	ExpectOwner *string
	// OnApplied, when set, runs under the cell lease right after an
	// accepted write, with the value the write displaced. Ownership
	// bookkeeping hooks in here so count transfers apply in write order.
	OnApplied func(previous grid.CellValue)
}

// CooldownTracker gates and stamps per-(user, canvas) cooldowns.
type CooldownTracker interface {
	Remaining(userID, canvasID string) time.Duration
	Stamp(userID, canvasID string)
}

// CanvasInfo resolves canvas metadata for bounds and lifecycle checks.
type CanvasInfo interface {
	GetCanvas(ctx context.Context, id uuid.UUID) (*models.Canvas, error)
}

// Enqueuer receives accepted writes for batched broadcast.
type Enqueuer interface {
	Enqueue(canvasID uuid.UUID, pixel models.Pixel)
}

// Pipeline is the pixel write pipeline.
type Pipeline struct {
	cooldowns CooldownTracker
	locks     *lock.Coordinator
	cache     *grid.Cache
	canvases  CanvasInfo
	batcher   Enqueuer
	now       func() time.Time
}

// NewPipeline wires the write pipeline.
func NewPipeline(cooldowns CooldownTracker, locks *lock.Coordinator, cache *grid.Cache, canvases CanvasInfo, batcher Enqueuer, now func() time.Time) *Pipeline {
	return &Pipeline{
		cooldowns: cooldowns,
		locks:     locks,
		cache:     cache,
		canvases:  canvases,
		batcher:   batcher,
		now:       now,
	}
}

// TryPaint runs one paint attempt. The returned error is reserved for
// infrastructure failures; every policy rejection comes back as a
// non-accepted Outcome. The cache is only mutated after the lease is held,
// so a failed acquisition never corrupts state.
func (p *Pipeline) TryPaint(ctx context.Context, req Request) (Outcome, error) {
	if !req.SkipCooldown {
		if remaining := p.cooldowns.Remaining(req.UserID, req.CanvasID.String()); remaining > 0 {
			return Outcome{Reason: ReasonOnCooldown, Remaining: remaining}, nil
		}
	}

	cv, err := p.canvases.GetCanvas(ctx, req.CanvasID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to resolve canvas: %w", err)
	}
	if cv.Ended(p.now()) {
		return Outcome{Reason: ReasonCanvasEnded}, nil
	}
	if !cv.InBounds(req.X, req.Y) {
		return Outcome{Reason: ReasonOutOfBounds}, nil
	}
	if !models.ValidColor(req.Color) {
		return Outcome{Reason: ReasonBadColor}, nil
	}

	lease, ok := p.locks.Acquire(lock.CellKey(req.CanvasID.String(), req.X, req.Y))
	if !ok {
		// Another writer is mid-flight on this cell. Not a real conflict,
		// the caller may retry.
		return Outcome{Reason: ReasonContended}, nil
	}

	// The lease serializes every writer of this cell, so the value read
	// here is exactly the one the write below displaces.
	coord := models.Coord{X: req.X, Y: req.Y}
	previous, _ := p.cache.Cell(req.CanvasID, coord)
	if req.ExpectOwner != nil && previous.Owner != *req.ExpectOwner {
		lease.Release()
		return Outcome{Reason: ReasonOwnerChanged}, nil
	}
	p.cache.SetCell(req.CanvasID, coord, grid.CellValue{Color: req.Color, Owner: req.Owner})
	if req.OnApplied != nil {
		req.OnApplied(previous)
	}

	if !lease.Release() {
		// The write itself is safe: the TTL only lapses after the cache
		// mutation above, and the next holder serializes behind us.
		log.Warn().
			Str("canvas_id", req.CanvasID.String()).
			Int("x", req.X).
			Int("y", req.Y).
			Msg("cell lease expired before release")
	}

	if !req.SkipCooldown {
		p.cooldowns.Stamp(req.UserID, req.CanvasID.String())
	}

	p.batcher.Enqueue(req.CanvasID, models.Pixel{X: req.X, Y: req.Y, Color: req.Color})

	log.Debug().
		Str("canvas_id", req.CanvasID.String()).
		Str("user_id", req.UserID).
		Int("x", req.X).
		Int("y", req.Y).
		Str("color", req.Color).
		Msg("pixel accepted")
	return Outcome{Accepted: true}, nil
}
