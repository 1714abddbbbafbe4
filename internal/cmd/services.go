package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/paintbox/internal/broadcast"
	"github.com/mcdev12/paintbox/internal/canvas"
	"github.com/mcdev12/paintbox/internal/cooldown"
	"github.com/mcdev12/paintbox/internal/events"
	"github.com/mcdev12/paintbox/internal/flush"
	"github.com/mcdev12/paintbox/internal/game"
	"github.com/mcdev12/paintbox/internal/gateway"
	"github.com/mcdev12/paintbox/internal/grid"
	"github.com/mcdev12/paintbox/internal/kvstore"
	"github.com/mcdev12/paintbox/internal/lock"
	"github.com/mcdev12/paintbox/internal/models"
	"github.com/mcdev12/paintbox/internal/paint"
	"github.com/mcdev12/paintbox/internal/sched"
)

// Services is the wired engine: every long-running component plus the
// handlers the HTTP server mounts.
type Services struct {
	Store     *kvstore.Store
	Batcher   *broadcast.Batcher
	Flusher   *flush.Worker
	Scheduler *sched.Scheduler
	Machine   *game.Machine
	Canvases  *canvasService

	ConnectionManager *gateway.ConnectionManager
	WSHandler         *gateway.WebSocketHandler
	QueryHandler      *gateway.QueryHandler
}

// canvasService wraps the canvas app so that creating a bounded round also
// arms its forced-end alarm.
type canvasService struct {
	*canvas.App
	scheduler *sched.Scheduler
	machine   *game.Machine
	flusher   *flush.Worker
	clock     clockwork.Clock
}

func (s *canvasService) CreateCanvas(ctx context.Context, req canvas.CreateCanvasRequest) (*models.Canvas, error) {
	cv, err := s.App.CreateCanvas(ctx, req)
	if err != nil {
		return nil, err
	}
	s.armRoundEnd(cv)
	return cv, nil
}

// armRoundEnd schedules the forced termination of a canvas with an end time.
// Rescheduling the same canvas replaces the pending alarm. ForceEnd is
// idempotent with natural termination, so a duplicate firing is harmless.
func (s *canvasService) armRoundEnd(cv *models.Canvas) {
	if cv.EndedAt == nil || cv.Ended(s.clock.Now()) {
		return
	}
	canvasID := cv.ID
	s.scheduler.ScheduleAt(sched.RoundEndKey(canvasID), *cv.EndedAt, func(ctx context.Context) {
		if s.machine.ForceEnd(ctx, canvasID) {
			log.Info().Str("canvas_id", canvasID.String()).Msg("round ended by alarm")
		}
	})

	// Shortly before the end, force a durability snapshot so the final
	// grid reaches Postgres without waiting out the flusher's thresholds.
	if snapshotAt := cv.EndedAt.Add(-5 * time.Second); snapshotAt.After(s.clock.Now()) {
		s.scheduler.ScheduleAt(sched.SnapshotKey(canvasID), snapshotAt, func(ctx context.Context) {
			s.flusher.FlushCanvas(ctx, canvasID)
		})
	}
}

// armActiveRounds re-arms alarms for rounds that were live before a restart.
func (s *canvasService) armActiveRounds(ctx context.Context) error {
	active, err := s.ListActiveCanvases(ctx)
	if err != nil {
		return err
	}
	for i := range active {
		s.armRoundEnd(&active[i])
	}
	return nil
}

func setupServices(pool *pgxpool.Pool, config *Config, publisher events.Publisher) *Services {
	clock := clockwork.NewRealClock()

	// Lease and cooldown state share one expiring KV store.
	store := kvstore.New(clock)
	locks := lock.NewCoordinator(store, config.leaseTTL())
	cooldowns := cooldown.NewTracker(store, config.cooldown())

	cache := grid.NewCache()
	canvasRepo := canvas.NewRepository(pool)
	canvasApp := canvas.NewApp(canvasRepo, cache)

	batcher := broadcast.NewBatcher(broadcast.Config{
		FlushInterval: time.Duration(config.Broadcast.FlushIntervalMs) * time.Millisecond,
		SizeThreshold: config.Broadcast.SizeThreshold,
	}, clock, publisher)

	pipeline := paint.NewPipeline(cooldowns, locks, cache, canvasApp, batcher, clock.Now)

	flusher := flush.NewWorker(cache, canvasRepo, flush.Config{
		PollInterval:  seconds(config.Flush.PollIntervalSeconds, 2*time.Second),
		BatchSize:     config.Flush.BatchSize,
		MinDirty:      config.Flush.MinDirty,
		ForceInterval: seconds(config.Flush.ForceIntervalSeconds, 30*time.Second),
	}, clock)

	gameRepo := game.NewRepository(pool)
	machine := game.NewMachine(pipeline, cache, locks, publisher, gameRepo, canvasApp, clock, config.Engine.RoundLives)

	scheduler := sched.NewScheduler(clock, config.Scheduler.Workers)
	canvases := &canvasService{App: canvasApp, scheduler: scheduler, machine: machine, flusher: flusher, clock: clock}

	connectionManager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	router := gateway.NewRouter(pipeline, machine, cooldowns, canvasApp)
	connectionManager.SetHandler(router)

	return &Services{
		Store:             store,
		Batcher:           batcher,
		Flusher:           flusher,
		Scheduler:         scheduler,
		Machine:           machine,
		Canvases:          canvases,
		ConnectionManager: connectionManager,
		WSHandler:         gateway.NewWebSocketHandler(connectionManager),
		QueryHandler:      gateway.NewQueryHandler(canvases, cooldowns, machine),
	}
}
