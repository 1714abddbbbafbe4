// Package game implements the per-canvas competitive round state machine:
// life and death bookkeeping, cell ownership, and the single-shot ranking
// computed at round end. Scored actions ride the same pixel write pipeline
// as free painting.
package game

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/paintbox/internal/events"
	"github.com/mcdev12/paintbox/internal/grid"
	"github.com/mcdev12/paintbox/internal/lock"
	"github.com/mcdev12/paintbox/internal/models"
	"github.com/mcdev12/paintbox/internal/paint"
)

// freeLeaseRetries bounds how often freeing one owned cell retries a
// contended lease before the cell is skipped. Per-cell failures never abort
// the rest of the batch.
const freeLeaseRetries = 3

// Painter is what the machine needs from the pixel write pipeline.
type Painter interface {
	TryPaint(ctx context.Context, req paint.Request) (paint.Outcome, error)
}

// OwnershipIndex resolves current cell ownership from the grid cache.
type OwnershipIndex interface {
	OwnedBy(canvasID uuid.UUID, userID string) []models.Coord
}

// ParticipantStore persists participant rows on death and at round end.
type ParticipantStore interface {
	UpsertParticipant(ctx context.Context, p *models.Participant) error
	SaveRanking(ctx context.Context, canvasID uuid.UUID, ranked []models.Participant) error
}

// CanvasLifecycle resolves canvas metadata and stamps forced terminations.
type CanvasLifecycle interface {
	GetCanvas(ctx context.Context, id uuid.UUID) (*models.Canvas, error)
	MarkEnded(ctx context.Context, id uuid.UUID, endedAt time.Time) error
}

// Machine is the game state machine for every live round.
type Machine struct {
	pipeline  Painter
	ownership OwnershipIndex
	locks     *lock.Coordinator
	publisher events.Publisher
	repo      ParticipantStore
	canvases  CanvasLifecycle
	clock     clockwork.Clock
	lives     int

	mu     sync.Mutex
	rounds map[uuid.UUID]*roundState
}

type roundState struct {
	participants map[string]*models.Participant
	joinOrder    int
	finalized    bool
}

// NewMachine wires the state machine. lives is the starting life counter;
// non-positive falls back to models.DefaultLives.
func NewMachine(pipeline Painter, ownership OwnershipIndex, locks *lock.Coordinator, publisher events.Publisher, repo ParticipantStore, canvases CanvasLifecycle, clock clockwork.Clock, lives int) *Machine {
	if lives <= 0 {
		lives = models.DefaultLives
	}
	return &Machine{
		pipeline:  pipeline,
		ownership: ownership,
		locks:     locks,
		publisher: publisher,
		repo:      repo,
		canvases:  canvases,
		clock:     clock,
		lives:     lives,
		rounds:    make(map[uuid.UUID]*roundState),
	}
}

func (m *Machine) round(canvasID uuid.UUID) *roundState {
	if state, ok := m.rounds[canvasID]; ok {
		return state
	}
	state := &roundState{participants: make(map[string]*models.Participant)}
	m.rounds[canvasID] = state
	return state
}

// Join registers a participant and assigns their distinguishing color.
// Joining is idempotent: an existing participant keeps their state.
func (m *Machine) Join(canvasID uuid.UUID, userID, username string) *models.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.round(canvasID)
	if p, ok := state.participants[userID]; ok {
		return p
	}

	p := &models.Participant{
		CanvasID:  canvasID,
		UserID:    userID,
		Username:  username,
		Color:     participantPalette[state.joinOrder%len(participantPalette)],
		Life:      m.lives,
		CreatedAt: m.clock.Now().UTC(),
	}
	state.joinOrder++
	state.participants[userID] = p

	log.Info().
		Str("canvas_id", canvasID.String()).
		Str("user_id", userID).
		Str("color", p.Color).
		Msg("participant joined round")
	return p
}

// Participant returns a copy of the participant's current state.
func (m *Machine) Participant(canvasID uuid.UUID, userID string) (models.Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.round(canvasID).participants[userID]
	if !ok {
		return models.Participant{}, false
	}
	return *p, true
}

// Participants returns a snapshot of every participant of a canvas.
func (m *Machine) Participants(canvasID uuid.UUID) []models.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.round(canvasID)
	out := make([]models.Participant, 0, len(state.participants))
	for _, p := range state.participants {
		out = append(out, *p)
	}
	return out
}

// HandleResult applies one scored action. The caller's judge has already
// decided req.Correct. Rejections come back as outcomes; errors are
// reserved for infrastructure failures.
func (m *Machine) HandleResult(ctx context.Context, req ResultRequest) (ResultOutcome, error) {
	cv, err := m.canvases.GetCanvas(ctx, req.CanvasID)
	if err != nil {
		return ResultOutcome{}, fmt.Errorf("failed to resolve canvas: %w", err)
	}

	m.mu.Lock()
	finalized := m.round(req.CanvasID).finalized
	m.mu.Unlock()
	if finalized {
		return ResultOutcome{Reason: RejectRoundEnded}, nil
	}

	// The round may have run past its end time with no action to notice;
	// terminate now and reject this late action.
	if cv.Ended(m.clock.Now()) {
		ended := m.finalize(ctx, req.CanvasID, false)
		return ResultOutcome{Reason: RejectRoundEnded, RoundEnded: ended}, nil
	}

	// Same-user updates are serialized by a lease on the user's own state
	// key, the same pattern cells use.
	lease, ok := m.locks.Acquire(lock.ParticipantKey(req.CanvasID.String(), req.UserID))
	if !ok {
		return ResultOutcome{Reason: RejectContended}, nil
	}
	defer lease.Release()

	p := m.Join(req.CanvasID, req.UserID, req.Username)

	m.mu.Lock()
	if p.Dead {
		m.mu.Unlock()
		return ResultOutcome{Reason: RejectDead}, nil
	}
	p.Attempts++
	m.mu.Unlock()

	if req.Correct {
		return m.applyCorrect(ctx, req, p)
	}
	return m.applyIncorrect(ctx, req, p)
}

// applyCorrect paints the cell and moves ownership to the acting user.
func (m *Machine) applyCorrect(ctx context.Context, req ResultRequest, p *models.Participant) (ResultOutcome, error) {
	outcome, err := m.pipeline.TryPaint(ctx, paint.Request{
		CanvasID:     req.CanvasID,
		X:            req.X,
		Y:            req.Y,
		Color:        req.Color,
		UserID:       req.UserID,
		Owner:        req.UserID,
		SkipCooldown: true,
		// Runs under the cell lease: the displaced owner is exactly the
		// one this write evicted, and transfers land in write order.
		OnApplied: func(previous grid.CellValue) {
			m.transferOwnership(req.CanvasID, previous.Owner, p)
		},
	})
	if err != nil {
		return ResultOutcome{}, fmt.Errorf("scored paint failed: %w", err)
	}
	if !outcome.Accepted {
		return ResultOutcome{Reason: paintReject(outcome.Reason)}, nil
	}

	ended := m.checkTermination(ctx, req.CanvasID)
	return ResultOutcome{Accepted: true, RoundEnded: ended}, nil
}

// transferOwnership moves one cell's count from the displaced owner to the
// acting participant. Repainting a cell the user already owns moves nothing,
// so a count can never exceed the cells actually held.
func (m *Machine) transferOwnership(canvasID uuid.UUID, previousOwner string, p *models.Participant) {
	if previousOwner == p.UserID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.round(canvasID)
	if prev, ok := state.participants[previousOwner]; ok && prev.Owned > 0 {
		prev.Owned--
	}
	p.Owned++
}

// applyIncorrect burns a life and handles death at zero.
func (m *Machine) applyIncorrect(ctx context.Context, req ResultRequest, p *models.Participant) (ResultOutcome, error) {
	m.mu.Lock()
	p.Life--
	dead := p.Life <= 0
	if dead {
		p.Dead = true
	}
	m.mu.Unlock()

	if !dead {
		return ResultOutcome{Accepted: true}, nil
	}

	m.handleDeath(ctx, req.CanvasID, p)
	ended := m.checkTermination(ctx, req.CanvasID)
	return ResultOutcome{Accepted: true, Died: true, RoundEnded: ended}, nil
}

// handleDeath frees every cell the participant owned back to unowned with
// the neutral color and broadcasts the removal. Freed cells ride the write
// pipeline, so they reach the broadcast batcher and the dirty index like
// any other write. Per-cell lease contention is retried and then skipped;
// one stuck cell never aborts the batch.
func (m *Machine) handleDeath(ctx context.Context, canvasID uuid.UUID, p *models.Participant) {
	owned := m.ownership.OwnedBy(canvasID, p.UserID)
	count := len(owned)

	m.mu.Lock()
	p.Owned = 0
	m.mu.Unlock()

	freed := make([]models.Pixel, 0, count)
	for _, coord := range owned {
		if m.freeCell(ctx, canvasID, p.UserID, coord) {
			freed = append(freed, models.Pixel{X: coord.X, Y: coord.Y, Color: models.DefaultCellColor})
		}
	}

	log.Info().
		Str("canvas_id", canvasID.String()).
		Str("user_id", p.UserID).
		Int("owned", count).
		Int("freed", len(freed)).
		Msg("participant died, owned cells freed")

	if err := m.repo.UpsertParticipant(ctx, p); err != nil {
		log.Error().Err(err).Str("user_id", p.UserID).Msg("failed to persist dead participant")
	}

	m.publish(ctx, events.TypeDeadUser, canvasID, events.DeadUserPayload{
		UserID:   p.UserID,
		Username: p.Username,
		Pixels:   freed,
		Count:    count,
	}, "")
	m.publish(ctx, events.TypeDeadNotice, canvasID, events.DeadNoticePayload{
		Message: "you are out of lives",
	}, p.UserID)
}

func (m *Machine) freeCell(ctx context.Context, canvasID uuid.UUID, userID string, coord models.Coord) bool {
	for attempt := 0; attempt < freeLeaseRetries; attempt++ {
		outcome, err := m.pipeline.TryPaint(ctx, paint.Request{
			CanvasID:     canvasID,
			X:            coord.X,
			Y:            coord.Y,
			Color:        models.DefaultCellColor,
			UserID:       userID,
			Owner:        "",
			SkipCooldown: true,
			// Free only while the cell is still the dead user's: a
			// takeover landing after the ownership snapshot keeps the
			// new owner's cell.
			ExpectOwner: &userID,
		})
		if err != nil {
			log.Error().Err(err).Int("x", coord.X).Int("y", coord.Y).Msg("failed to free cell")
			return false
		}
		if outcome.Accepted {
			return true
		}
		if outcome.Reason == paint.ReasonOwnerChanged {
			return false
		}
		if outcome.Reason != paint.ReasonContended {
			log.Warn().
				Str("reason", string(outcome.Reason)).
				Int("x", coord.X).
				Int("y", coord.Y).
				Msg("cell not freed")
			return false
		}
	}
	log.Warn().Int("x", coord.X).Int("y", coord.Y).Msg("cell lease contended, skipping free")
	return false
}

// checkTermination ends the round once no live participant with a nonzero
// attempt count remains, or the canvas's end time has passed. Safe to call
// any number of times; the round finalizes at most once.
func (m *Machine) checkTermination(ctx context.Context, canvasID uuid.UUID) bool {
	m.mu.Lock()
	state := m.round(canvasID)
	if state.finalized || len(state.participants) == 0 {
		m.mu.Unlock()
		return false
	}

	attempted, liveAttempters := 0, 0
	for _, p := range state.participants {
		if p.Attempts > 0 {
			attempted++
			if !p.Dead {
				liveAttempters++
			}
		}
	}
	m.mu.Unlock()

	if attempted > 0 && liveAttempters == 0 {
		return m.finalize(ctx, canvasID, false)
	}

	cv, err := m.canvases.GetCanvas(ctx, canvasID)
	if err != nil {
		log.Error().Err(err).Str("canvas_id", canvasID.String()).Msg("termination check failed to resolve canvas")
		return false
	}
	if cv.Ended(m.clock.Now()) {
		return m.finalize(ctx, canvasID, false)
	}
	return false
}

// ForceEnd terminates a round administratively. It runs the identical
// ranking and result path as natural termination and is idempotent with it.
func (m *Machine) ForceEnd(ctx context.Context, canvasID uuid.UUID) bool {
	return m.finalize(ctx, canvasID, true)
}

// finalize computes and broadcasts the round result exactly once.
func (m *Machine) finalize(ctx context.Context, canvasID uuid.UUID, forced bool) bool {
	m.mu.Lock()
	state := m.round(canvasID)
	if state.finalized {
		m.mu.Unlock()
		return false
	}
	state.finalized = true

	snapshot := make([]models.Participant, 0, len(state.participants))
	for _, p := range state.participants {
		snapshot = append(snapshot, *p)
	}
	m.mu.Unlock()

	ranked := Rank(snapshot)

	// Write ranks back to live state so late queries see terminal records.
	m.mu.Lock()
	for _, r := range ranked {
		if p, ok := state.participants[r.UserID]; ok {
			p.Rank = r.Rank
		}
	}
	m.mu.Unlock()

	if err := m.repo.SaveRanking(ctx, canvasID, ranked); err != nil {
		log.Error().Err(err).Str("canvas_id", canvasID.String()).Msg("failed to persist round ranking")
	}

	if forced {
		if err := m.canvases.MarkEnded(ctx, canvasID, m.clock.Now().UTC()); err != nil {
			log.Error().Err(err).Str("canvas_id", canvasID.String()).Msg("failed to stamp forced end")
		}
	}

	results := make([]events.ParticipantResult, len(ranked))
	for i, p := range ranked {
		results[i] = events.ParticipantResult{
			UserID:   p.UserID,
			Username: p.Username,
			Rank:     p.Rank,
			Owned:    p.Owned,
			Attempts: p.Attempts,
			Dead:     p.Dead,
		}
	}
	m.publish(ctx, events.TypeGameResult, canvasID, events.GameResultPayload{Results: results}, "")

	log.Info().
		Str("canvas_id", canvasID.String()).
		Bool("forced", forced).
		Int("participants", len(ranked)).
		Msg("round finalized")
	return true
}

func (m *Machine) publish(ctx context.Context, eventType events.Type, canvasID uuid.UUID, payload any, userID string) {
	envelope, err := events.NewEnvelope(eventType, canvasID, payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build event envelope")
		return
	}
	envelope.UserID = userID
	if err := m.publisher.Publish(ctx, envelope); err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish game event")
	}
}

func paintReject(reason paint.Reason) RejectReason {
	switch reason {
	case paint.ReasonContended:
		return RejectContended
	case paint.ReasonOutOfBounds:
		return RejectOutOfBounds
	case paint.ReasonBadColor:
		return RejectBadColor
	case paint.ReasonCanvasEnded:
		return RejectRoundEnded
	default:
		return RejectReason(reason)
	}
}
