package models

import (
	"time"

	"github.com/google/uuid"
)

// Cell is one addressable (x, y) unit of a canvas. Owner is empty for
// unowned cells.
type Cell struct {
	CanvasID  uuid.UUID `json:"canvas_id"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Color     string    `json:"color"`
	Owner     string    `json:"owner,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Coord addresses a cell within one canvas.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Pixel is the wire form of a cell change: coordinate plus color.
type Pixel struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}
