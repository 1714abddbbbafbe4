package canvas

import (
	"time"

	"github.com/mcdev12/paintbox/internal/models"
)

// CreateCanvasRequest carries everything needed to create a canvas and
// pre-materialize its cells.
type CreateCanvasRequest struct {
	Name      string            `json:"name"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Mode      models.CanvasMode `json:"mode"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
}

// CellWrite is one cell state the flusher persists.
type CellWrite struct {
	Coord models.Coord
	Color string
	Owner string
}
