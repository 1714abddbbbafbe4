// Package grid holds the authoritative live state of every canvas: the color
// and owner of each painted cell, plus a dirty index of coordinates whose
// cache value has not yet been mirrored into durable storage.
//
// The cache and dirty index are shared by all writers of a canvas. Cell
// writes are expected to happen only under a held cell lease; any worker may
// read. The durable store and cache may diverge only for coordinates present
// in the dirty index.
package grid

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mcdev12/paintbox/internal/models"
)

// CellValue is the cached state of one cell.
type CellValue struct {
	Color string
	Owner string
}

// Cache is the in-memory grid store for all live canvases.
type Cache struct {
	mu       sync.RWMutex
	canvases map[uuid.UUID]*canvasState
}

type canvasState struct {
	mu    sync.RWMutex
	cells map[models.Coord]CellValue

	// dirty maps coordinates to a monotonic generation bumped on every
	// write. Flush removal compares generations so a coordinate written
	// again between snapshot and removal stays dirty.
	dirty   map[models.Coord]uint64
	nextGen uint64
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{canvases: make(map[uuid.UUID]*canvasState)}
}

func (c *Cache) canvas(canvasID uuid.UUID) *canvasState {
	c.mu.RLock()
	state, ok := c.canvases[canvasID]
	c.mu.RUnlock()
	if ok {
		return state
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok = c.canvases[canvasID]; ok {
		return state
	}
	state = &canvasState{
		cells: make(map[models.Coord]CellValue),
		dirty: make(map[models.Coord]uint64),
	}
	c.canvases[canvasID] = state
	return state
}

// SetCell writes a cell value and marks the coordinate dirty. Callers must
// hold the cell's lease.
func (c *Cache) SetCell(canvasID uuid.UUID, coord models.Coord, value CellValue) {
	state := c.canvas(canvasID)
	state.mu.Lock()
	defer state.mu.Unlock()

	state.cells[coord] = value
	state.nextGen++
	state.dirty[coord] = state.nextGen
}

// Cell returns the cached value for coord and whether it is present.
func (c *Cache) Cell(canvasID uuid.UUID, coord models.Coord) (CellValue, bool) {
	state := c.canvas(canvasID)
	state.mu.RLock()
	defer state.mu.RUnlock()

	value, ok := state.cells[coord]
	return value, ok
}

// Cells returns a snapshot of every cached cell of the canvas.
func (c *Cache) Cells(canvasID uuid.UUID) map[models.Coord]CellValue {
	state := c.canvas(canvasID)
	state.mu.RLock()
	defer state.mu.RUnlock()

	out := make(map[models.Coord]CellValue, len(state.cells))
	for coord, value := range state.cells {
		out[coord] = value
	}
	return out
}

// Populate warms the cache from durable rows without touching the dirty
// index: loaded values are already persisted.
func (c *Cache) Populate(canvasID uuid.UUID, cells []models.Cell) {
	state := c.canvas(canvasID)
	state.mu.Lock()
	defer state.mu.Unlock()

	for _, cell := range cells {
		coord := models.Coord{X: cell.X, Y: cell.Y}
		// A live write beats the durable row it will soon overwrite.
		if _, pending := state.dirty[coord]; pending {
			continue
		}
		state.cells[coord] = CellValue{Color: cell.Color, Owner: cell.Owner}
	}
}

// Warm reports whether the canvas has any cached cells.
func (c *Cache) Warm(canvasID uuid.UUID) bool {
	state := c.canvas(canvasID)
	state.mu.RLock()
	defer state.mu.RUnlock()
	return len(state.cells) > 0
}

// OwnedBy returns the coordinates currently owned by userID.
func (c *Cache) OwnedBy(canvasID uuid.UUID, userID string) []models.Coord {
	state := c.canvas(canvasID)
	state.mu.RLock()
	defer state.mu.RUnlock()

	var coords []models.Coord
	for coord, value := range state.cells {
		if value.Owner == userID {
			coords = append(coords, coord)
		}
	}
	return coords
}

// DirtySnapshot returns the current dirty coordinates with their
// generations. The snapshot is the unit a flush cycle works on: after the
// batch is durably written, ClearFlushed removes exactly this generation.
func (c *Cache) DirtySnapshot(canvasID uuid.UUID) map[models.Coord]uint64 {
	state := c.canvas(canvasID)
	state.mu.RLock()
	defer state.mu.RUnlock()

	out := make(map[models.Coord]uint64, len(state.dirty))
	for coord, gen := range state.dirty {
		out[coord] = gen
	}
	return out
}

// ClearFlushed removes coordinates from the dirty index only if their
// generation is unchanged since the snapshot. A coordinate written again
// between snapshot and removal stays dirty.
func (c *Cache) ClearFlushed(canvasID uuid.UUID, snapshot map[models.Coord]uint64) {
	state := c.canvas(canvasID)
	state.mu.Lock()
	defer state.mu.Unlock()

	for coord, gen := range snapshot {
		if current, ok := state.dirty[coord]; ok && current == gen {
			delete(state.dirty, coord)
		}
	}
}

// DirtyCount returns the number of coordinates awaiting flush.
func (c *Cache) DirtyCount(canvasID uuid.UUID) int {
	state := c.canvas(canvasID)
	state.mu.RLock()
	defer state.mu.RUnlock()
	return len(state.dirty)
}

// Drop discards all cached state for a canvas. Used when a canvas is
// deleted or its round has fully drained to durable storage.
func (c *Cache) Drop(canvasID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.canvases, canvasID)
}

// CanvasIDs returns the ids of every canvas with cached state.
func (c *Cache) CanvasIDs() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(c.canvases))
	for id := range c.canvases {
		ids = append(ids, id)
	}
	return ids
}
