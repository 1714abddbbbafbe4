package models

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// CanvasMode defines how a canvas is played.
type CanvasMode string

const (
	CanvasModeFreePaint        CanvasMode = "FREE_PAINT"
	CanvasModeTimedEvent       CanvasMode = "TIMED_EVENT"
	CanvasModeCompetitiveRound CanvasMode = "COMPETITIVE_ROUND"
)

// DefaultCellColor is the color every cell carries at canvas creation and
// the neutral color owned cells revert to when their owner dies.
const DefaultCellColor = "#ffffff"

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// ValidColor reports whether color is a #rrggbb string.
func ValidColor(color string) bool {
	return colorPattern.MatchString(color)
}

// Canvas represents a shared 2-D grid painted by many users. Immutable after
// creation except forced early termination.
type Canvas struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	Mode      CanvasMode `json:"mode"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"` // nil for perpetual canvases
}

// InBounds reports whether (x, y) addresses a cell of the canvas.
func (c *Canvas) InBounds(x, y int) bool {
	return x >= 0 && x < c.Width && y >= 0 && y < c.Height
}

// Ended reports whether the canvas's lifecycle window has closed as of now.
func (c *Canvas) Ended(now time.Time) bool {
	return c.EndedAt != nil && !now.Before(*c.EndedAt)
}
