package game

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/paintbox/internal/cooldown"
	"github.com/mcdev12/paintbox/internal/events"
	"github.com/mcdev12/paintbox/internal/grid"
	"github.com/mcdev12/paintbox/internal/kvstore"
	"github.com/mcdev12/paintbox/internal/lock"
	"github.com/mcdev12/paintbox/internal/models"
	"github.com/mcdev12/paintbox/internal/paint"
)

type capturePublisher struct {
	mu        sync.Mutex
	envelopes []events.Envelope
}

func (p *capturePublisher) Publish(ctx context.Context, envelope events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, envelope)
	return nil
}

func (p *capturePublisher) byType(eventType events.Type) []events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Envelope
	for _, e := range p.envelopes {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeParticipantStore struct {
	mu       sync.Mutex
	upserts  []models.Participant
	rankings map[uuid.UUID][]models.Participant
	saves    int
}

func newFakeParticipantStore() *fakeParticipantStore {
	return &fakeParticipantStore{rankings: make(map[uuid.UUID][]models.Participant)}
}

func (s *fakeParticipantStore) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, *p)
	return nil
}

func (s *fakeParticipantStore) SaveRanking(ctx context.Context, canvasID uuid.UUID, ranked []models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.rankings[canvasID] = ranked
	return nil
}

type stubCanvases struct {
	mu     sync.Mutex
	canvas *models.Canvas
}

func (s *stubCanvases) GetCanvas(ctx context.Context, id uuid.UUID) (*models.Canvas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cv := *s.canvas
	return &cv, nil
}

func (s *stubCanvases) MarkEnded(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canvas.EndedAt = &endedAt
	return nil
}

type nopBatcher struct{}

func (nopBatcher) Enqueue(canvasID uuid.UUID, pixel models.Pixel) {}

type machineFixture struct {
	machine   *Machine
	clock     *clockwork.FakeClock
	cache     *grid.Cache
	publisher *capturePublisher
	repo      *fakeParticipantStore
	canvases  *stubCanvases
	canvasID  uuid.UUID
}

func newMachineFixture(t *testing.T) *machineFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := kvstore.New(clock)
	cache := grid.NewCache()
	locks := lock.NewCoordinator(store, time.Minute)
	canvasID := uuid.New()
	canvases := &stubCanvases{canvas: &models.Canvas{
		ID:     canvasID,
		Width:  50,
		Height: 50,
		Mode:   models.CanvasModeCompetitiveRound,
	}}
	pipeline := paint.NewPipeline(
		cooldown.NewTracker(store, 10*time.Second),
		locks,
		cache,
		canvases,
		nopBatcher{},
		clock.Now,
	)
	publisher := &capturePublisher{}
	repo := newFakeParticipantStore()
	machine := NewMachine(pipeline, cache, locks, publisher, repo, canvases, clock, 3)
	return &machineFixture{
		machine:   machine,
		clock:     clock,
		cache:     cache,
		publisher: publisher,
		repo:      repo,
		canvases:  canvases,
		canvasID:  canvasID,
	}
}

func (f *machineFixture) result(t *testing.T, user string, x, y int, correct bool) ResultOutcome {
	t.Helper()
	outcome, err := f.machine.HandleResult(context.Background(), ResultRequest{
		CanvasID: f.canvasID,
		X:        x,
		Y:        y,
		Color:    "#e6194b",
		UserID:   user,
		Username: user,
		Correct:  correct,
	})
	require.NoError(t, err)
	return outcome
}

func TestJoinAssignsDistinctColorsAndIsIdempotent(t *testing.T) {
	f := newMachineFixture(t)

	a := f.machine.Join(f.canvasID, "user-a", "alice")
	b := f.machine.Join(f.canvasID, "user-b", "bob")

	assert.NotEqual(t, a.Color, b.Color)
	assert.Equal(t, 3, a.Life)
	assert.False(t, a.Dead)

	again := f.machine.Join(f.canvasID, "user-a", "alice")
	assert.Same(t, a, again)
}

func TestCorrectActionPaintsAndTransfersOwnership(t *testing.T) {
	f := newMachineFixture(t)

	outcome := f.result(t, "user-a", 3, 3, true)
	require.True(t, outcome.Accepted)

	value, ok := f.cache.Cell(f.canvasID, models.Coord{X: 3, Y: 3})
	require.True(t, ok)
	assert.Equal(t, "user-a", value.Owner)

	a, _ := f.machine.Participant(f.canvasID, "user-a")
	assert.Equal(t, 1, a.Owned)
	assert.Equal(t, 1, a.Attempts)

	// A second user takes the same cell: ownership moves, never duplicates.
	require.True(t, f.result(t, "user-b", 3, 3, true).Accepted)

	a, _ = f.machine.Participant(f.canvasID, "user-a")
	b, _ := f.machine.Participant(f.canvasID, "user-b")
	assert.Equal(t, 0, a.Owned)
	assert.Equal(t, 1, b.Owned)

	value, _ = f.cache.Cell(f.canvasID, models.Coord{X: 3, Y: 3})
	assert.Equal(t, "user-b", value.Owner)
}

func TestRepaintingOwnCellKeepsSingleCount(t *testing.T) {
	f := newMachineFixture(t)

	require.True(t, f.result(t, "user-a", 3, 3, true).Accepted)
	require.True(t, f.result(t, "user-a", 3, 3, true).Accepted)

	a, _ := f.machine.Participant(f.canvasID, "user-a")
	assert.Equal(t, 1, a.Owned)
	assert.Equal(t, 2, a.Attempts)
	assert.Len(t, f.cache.OwnedBy(f.canvasID, "user-a"), 1)
}

func TestConcurrentTakeoverConservesOwnership(t *testing.T) {
	f := newMachineFixture(t)

	// user-c holds the contested cell before the race starts.
	require.True(t, f.result(t, "user-c", 5, 5, true).Accepted)

	claim := func(user string) {
		for i := 0; i < 1000; i++ {
			outcome, err := f.machine.HandleResult(context.Background(), ResultRequest{
				CanvasID: f.canvasID,
				X:        5,
				Y:        5,
				Color:    "#3cb44b",
				UserID:   user,
				Username: user,
				Correct:  true,
			})
			assert.NoError(t, err)
			if outcome.Accepted {
				return
			}
			assert.Equal(t, RejectContended, outcome.Reason)
		}
		assert.Fail(t, "takeover never accepted", "user %s", user)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, user := range []string{"user-a", "user-b"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			<-start
			claim(user)
		}(user)
	}
	close(start)
	wg.Wait()

	// One cell is owned; the counts across all participants must sum to
	// exactly that, whichever order the two takeovers landed in.
	total := 0
	for _, p := range f.machine.Participants(f.canvasID) {
		total += p.Owned
		assert.Len(t, f.cache.OwnedBy(f.canvasID, p.UserID), p.Owned)
	}
	assert.Equal(t, 1, total)
}

func TestOwnershipTotalsMatchOwnedCells(t *testing.T) {
	f := newMachineFixture(t)

	// Overlapping claims across three users.
	f.result(t, "user-a", 0, 0, true)
	f.result(t, "user-a", 1, 0, true)
	f.result(t, "user-b", 1, 0, true)
	f.result(t, "user-b", 2, 0, true)
	f.result(t, "user-c", 0, 0, true)

	total := 0
	for _, p := range f.machine.Participants(f.canvasID) {
		total += p.Owned
		assert.Len(t, f.cache.OwnedBy(f.canvasID, p.UserID), p.Owned)
	}
	assert.Equal(t, 3, total)
}

func TestIncorrectActionBurnsLife(t *testing.T) {
	f := newMachineFixture(t)

	require.True(t, f.result(t, "user-a", 0, 0, false).Accepted)
	require.True(t, f.result(t, "user-a", 0, 0, false).Accepted)

	a, _ := f.machine.Participant(f.canvasID, "user-a")
	assert.Equal(t, 1, a.Life)
	assert.False(t, a.Dead)
	assert.Equal(t, 2, a.Attempts)
}

func TestDeathFreesOwnedCellsAndBroadcasts(t *testing.T) {
	f := newMachineFixture(t)

	require.True(t, f.result(t, "user-a", 1, 1, true).Accepted)
	require.True(t, f.result(t, "user-a", 2, 2, true).Accepted)

	var outcome ResultOutcome
	for i := 0; i < 3; i++ {
		outcome = f.result(t, "user-a", 0, 0, false)
	}
	require.True(t, outcome.Died)

	a, _ := f.machine.Participant(f.canvasID, "user-a")
	assert.True(t, a.Dead)
	assert.Equal(t, 0, a.Owned)

	for _, coord := range []models.Coord{{X: 1, Y: 1}, {X: 2, Y: 2}} {
		value, ok := f.cache.Cell(f.canvasID, coord)
		require.True(t, ok)
		assert.Equal(t, models.DefaultCellColor, value.Color)
		assert.Equal(t, "", value.Owner)
	}

	dead := f.publisher.byType(events.TypeDeadUser)
	require.Len(t, dead, 1)
	var payload events.DeadUserPayload
	require.NoError(t, json.Unmarshal(dead[0].Payload, &payload))
	assert.Equal(t, "user-a", payload.UserID)
	assert.Equal(t, 2, payload.Count)
	assert.Len(t, payload.Pixels, 2)

	notices := f.publisher.byType(events.TypeDeadNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, "user-a", notices[0].UserID)

	// The dead participant's row reached the durable store.
	require.NotEmpty(t, f.repo.upserts)
	assert.True(t, f.repo.upserts[len(f.repo.upserts)-1].Dead)
}

// takeoverPainter performs one competing write right before the first
// conditional free reaches the pipeline.
type takeoverPainter struct {
	inner    Painter
	takeover func()
	once     sync.Once
}

func (tp *takeoverPainter) TryPaint(ctx context.Context, req paint.Request) (paint.Outcome, error) {
	if req.ExpectOwner != nil {
		tp.once.Do(tp.takeover)
	}
	return tp.inner.TryPaint(ctx, req)
}

func TestDeathFreeingSkipsCellTakenOverMidFree(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := kvstore.New(clock)
	cache := grid.NewCache()
	locks := lock.NewCoordinator(store, time.Minute)
	canvasID := uuid.New()
	canvases := &stubCanvases{canvas: &models.Canvas{
		ID:     canvasID,
		Width:  50,
		Height: 50,
		Mode:   models.CanvasModeCompetitiveRound,
	}}
	pipeline := paint.NewPipeline(
		cooldown.NewTracker(store, 10*time.Second),
		locks,
		cache,
		canvases,
		nopBatcher{},
		clock.Now,
	)

	painter := &takeoverPainter{inner: pipeline}
	painter.takeover = func() {
		outcome, err := pipeline.TryPaint(context.Background(), paint.Request{
			CanvasID:     canvasID,
			X:            1,
			Y:            1,
			Color:        "#4363d8",
			UserID:       "user-x",
			Owner:        "user-x",
			SkipCooldown: true,
		})
		assert.NoError(t, err)
		assert.True(t, outcome.Accepted)
	}

	publisher := &capturePublisher{}
	machine := NewMachine(painter, cache, locks, publisher, newFakeParticipantStore(), canvases, clock, 1)

	result := func(x, y int, correct bool) ResultOutcome {
		outcome, err := machine.HandleResult(context.Background(), ResultRequest{
			CanvasID: canvasID,
			X:        x,
			Y:        y,
			Color:    "#e6194b",
			UserID:   "user-a",
			Username: "user-a",
			Correct:  correct,
		})
		require.NoError(t, err)
		return outcome
	}

	require.True(t, result(1, 1, true).Accepted)
	require.True(t, result(2, 2, true).Accepted)
	require.True(t, result(0, 0, false).Died)

	// The cell grabbed mid-free keeps its new owner.
	taken, ok := cache.Cell(canvasID, models.Coord{X: 1, Y: 1})
	require.True(t, ok)
	assert.Equal(t, "user-x", taken.Owner)
	assert.Equal(t, "#4363d8", taken.Color)

	// The other cell was freed normally.
	freedCell, ok := cache.Cell(canvasID, models.Coord{X: 2, Y: 2})
	require.True(t, ok)
	assert.Equal(t, "", freedCell.Owner)
	assert.Equal(t, models.DefaultCellColor, freedCell.Color)

	dead := publisher.byType(events.TypeDeadUser)
	require.Len(t, dead, 1)
	var payload events.DeadUserPayload
	require.NoError(t, json.Unmarshal(dead[0].Payload, &payload))
	assert.Equal(t, 2, payload.Count)
	require.Len(t, payload.Pixels, 1)
	assert.Equal(t, models.Pixel{X: 2, Y: 2, Color: models.DefaultCellColor}, payload.Pixels[0])
}

func TestDeadParticipantIsRejected(t *testing.T) {
	f := newMachineFixture(t)

	// A live second attempter keeps the round open past the death.
	require.True(t, f.result(t, "user-b", 9, 9, true).Accepted)

	for i := 0; i < 3; i++ {
		f.result(t, "user-a", 0, 0, false)
	}

	outcome := f.result(t, "user-a", 1, 1, true)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, RejectDead, outcome.Reason)

	a, _ := f.machine.Participant(f.canvasID, "user-a")
	assert.Equal(t, 3, a.Attempts)
}

func TestRoundEndsOnceWhenLastAttemptersDie(t *testing.T) {
	f := newMachineFixture(t)

	// user-b joined but never attempted; their presence must not keep the
	// round alive.
	f.machine.Join(f.canvasID, "user-b", "bob")

	var outcome ResultOutcome
	for i := 0; i < 3; i++ {
		outcome = f.result(t, "user-a", 0, 0, false)
	}
	require.True(t, outcome.Died)
	assert.True(t, outcome.RoundEnded)

	results := f.publisher.byType(events.TypeGameResult)
	require.Len(t, results, 1)
	assert.Equal(t, 1, f.repo.saves)

	// Late actions bounce, and force-end after natural end is a no-op.
	late := f.result(t, "user-b", 1, 1, true)
	assert.Equal(t, RejectRoundEnded, late.Reason)
	assert.False(t, f.machine.ForceEnd(context.Background(), f.canvasID))
	assert.Len(t, f.publisher.byType(events.TypeGameResult), 1)
}

func TestForceEndPublishesRankingExactlyOnce(t *testing.T) {
	f := newMachineFixture(t)

	require.True(t, f.result(t, "user-a", 1, 1, true).Accepted)
	require.True(t, f.result(t, "user-b", 2, 2, true).Accepted)
	require.True(t, f.result(t, "user-b", 3, 3, true).Accepted)

	assert.True(t, f.machine.ForceEnd(context.Background(), f.canvasID))
	assert.False(t, f.machine.ForceEnd(context.Background(), f.canvasID))

	ranked := f.repo.rankings[f.canvasID]
	require.Len(t, ranked, 2)
	assert.Equal(t, "user-b", ranked[0].UserID)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, "user-a", ranked[1].UserID)
	assert.Equal(t, 2, ranked[1].Rank)

	require.Len(t, f.publisher.byType(events.TypeGameResult), 1)
	assert.NotNil(t, f.canvases.canvas.EndedAt)

	b, _ := f.machine.Participant(f.canvasID, "user-b")
	assert.Equal(t, 1, b.Rank)
}

func TestExpiredCanvasTerminatesOnNextAction(t *testing.T) {
	f := newMachineFixture(t)

	require.True(t, f.result(t, "user-a", 1, 1, true).Accepted)

	ends := f.clock.Now().Add(time.Minute)
	f.canvases.mu.Lock()
	f.canvases.canvas.EndedAt = &ends
	f.canvases.mu.Unlock()
	f.clock.Advance(2 * time.Minute)

	outcome := f.result(t, "user-a", 2, 2, true)
	assert.Equal(t, RejectRoundEnded, outcome.Reason)
	assert.True(t, outcome.RoundEnded)
	require.Len(t, f.publisher.byType(events.TypeGameResult), 1)
}
