package flush

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/paintbox/internal/canvas"
	"github.com/mcdev12/paintbox/internal/grid"
	"github.com/mcdev12/paintbox/internal/models"
)

// memoryPersister stands in for the Postgres cell repository.
type memoryPersister struct {
	mu       sync.Mutex
	cells    map[uuid.UUID]map[models.Coord]canvas.CellWrite
	failNext int
	batches  int
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{cells: make(map[uuid.UUID]map[models.Coord]canvas.CellWrite)}
}

func (m *memoryPersister) UpsertCellsBatch(ctx context.Context, canvasID uuid.UUID, writes []canvas.CellWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batches++
	if m.failNext > 0 {
		m.failNext--
		return fmt.Errorf("durable store unreachable")
	}
	if m.cells[canvasID] == nil {
		m.cells[canvasID] = make(map[models.Coord]canvas.CellWrite)
	}
	for _, w := range writes {
		m.cells[canvasID][w.Coord] = w
	}
	return nil
}

func (m *memoryPersister) color(canvasID uuid.UUID, coord models.Coord) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cells[canvasID][coord].Color
}

func TestFlushConvergesCacheAndDurableStore(t *testing.T) {
	cache := grid.NewCache()
	persister := newMemoryPersister()
	worker := NewWorker(cache, persister, Config{BatchSize: 10, MinDirty: 1}, clockwork.NewFakeClock())
	canvasID := uuid.New()

	for i := 0; i < 25; i++ {
		cache.SetCell(canvasID, models.Coord{X: i, Y: 0}, grid.CellValue{Color: "#123456", Owner: "user-a"})
	}

	worker.FlushCanvas(context.Background(), canvasID)

	assert.Equal(t, 0, cache.DirtyCount(canvasID))
	for i := 0; i < 25; i++ {
		assert.Equal(t, "#123456", persister.color(canvasID, models.Coord{X: i, Y: 0}))
	}
	// 25 cells at batch size 10 means three bounded statements.
	assert.Equal(t, 3, persister.batches)
}

func TestFailedBatchKeepsCoordinatesDirty(t *testing.T) {
	cache := grid.NewCache()
	persister := newMemoryPersister()
	persister.failNext = 1
	worker := NewWorker(cache, persister, Config{BatchSize: 100, MinDirty: 1}, clockwork.NewFakeClock())
	canvasID := uuid.New()

	cache.SetCell(canvasID, models.Coord{X: 1, Y: 1}, grid.CellValue{Color: "#ff0000"})
	cache.SetCell(canvasID, models.Coord{X: 2, Y: 2}, grid.CellValue{Color: "#00ff00"})

	worker.FlushCanvas(context.Background(), canvasID)
	assert.Equal(t, 2, cache.DirtyCount(canvasID))

	// Next cycle retries and succeeds.
	worker.FlushCanvas(context.Background(), canvasID)
	assert.Equal(t, 0, cache.DirtyCount(canvasID))
	assert.Equal(t, "#ff0000", persister.color(canvasID, models.Coord{X: 1, Y: 1}))
}

func TestPartialBatchFailureOnlyRetainsFailedCoords(t *testing.T) {
	cache := grid.NewCache()
	persister := newMemoryPersister()
	persister.failNext = 1
	worker := NewWorker(cache, persister, Config{BatchSize: 1, MinDirty: 1}, clockwork.NewFakeClock())
	canvasID := uuid.New()

	cache.SetCell(canvasID, models.Coord{X: 1, Y: 1}, grid.CellValue{Color: "#ff0000"})
	cache.SetCell(canvasID, models.Coord{X: 2, Y: 2}, grid.CellValue{Color: "#00ff00"})

	worker.FlushCanvas(context.Background(), canvasID)

	// One single-cell batch failed, the other landed.
	assert.Equal(t, 1, cache.DirtyCount(canvasID))
}

func TestConcurrentRewriteSurvivesFlush(t *testing.T) {
	cache := grid.NewCache()
	persister := newMemoryPersister()
	worker := NewWorker(cache, persister, Config{BatchSize: 100, MinDirty: 1}, clockwork.NewFakeClock())
	canvasID := uuid.New()
	coord := models.Coord{X: 5, Y: 5}

	cache.SetCell(canvasID, coord, grid.CellValue{Color: "#111111"})

	// Simulate a write racing the flush: snapshot, rewrite, then clear.
	snapshot := cache.DirtySnapshot(canvasID)
	cache.SetCell(canvasID, coord, grid.CellValue{Color: "#222222"})
	require.NoError(t, persister.UpsertCellsBatch(context.Background(), canvasID, []canvas.CellWrite{{Coord: coord, Color: "#111111"}}))
	cache.ClearFlushed(canvasID, snapshot)

	require.Equal(t, 1, cache.DirtyCount(canvasID))

	worker.FlushCanvas(context.Background(), canvasID)

	assert.Equal(t, 0, cache.DirtyCount(canvasID))
	assert.Equal(t, "#222222", persister.color(canvasID, coord))
}

func TestCycleDefersSmallDirtySetsUntilForceInterval(t *testing.T) {
	cache := grid.NewCache()
	persister := newMemoryPersister()
	clock := clockwork.NewFakeClock()
	worker := NewWorker(cache, persister, Config{
		BatchSize:     100,
		MinDirty:      10,
		ForceInterval: 30 * time.Second,
	}, clock)
	canvasID := uuid.New()

	cache.SetCell(canvasID, models.Coord{X: 1, Y: 1}, grid.CellValue{Color: "#ff0000"})

	// Below MinDirty: the first cycles only arm the force timer.
	worker.Cycle(context.Background())
	assert.Equal(t, 1, cache.DirtyCount(canvasID))

	clock.Advance(10 * time.Second)
	worker.Cycle(context.Background())
	assert.Equal(t, 1, cache.DirtyCount(canvasID))

	// Past the safety interval the handful of changes must flush.
	clock.Advance(25 * time.Second)
	worker.Cycle(context.Background())
	assert.Equal(t, 0, cache.DirtyCount(canvasID))
	assert.Equal(t, "#ff0000", persister.color(canvasID, models.Coord{X: 1, Y: 1}))
}

func TestStartAndStopAreGuarded(t *testing.T) {
	worker := NewWorker(grid.NewCache(), newMemoryPersister(), DefaultConfig(), clockwork.NewFakeClock())

	require.NoError(t, worker.Start(context.Background()))
	assert.Error(t, worker.Start(context.Background()))
	require.NoError(t, worker.Stop())
	assert.Error(t, worker.Stop())
}
