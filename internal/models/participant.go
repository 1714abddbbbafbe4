package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultLives is the life counter every participant starts a round with.
const DefaultLives = 3

// Participant is the per-(canvas, user) state of a competitive round.
// Created on the user's first scored action; terminal once Dead is set or
// the round ends.
type Participant struct {
	CanvasID  uuid.UUID `json:"canvas_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Color     string    `json:"color"` // distinguishing color assigned at join
	Life      int       `json:"life"`
	Attempts  int       `json:"attempts"`
	Owned     int       `json:"owned"`
	Dead      bool      `json:"dead"`
	Rank      int       `json:"rank,omitempty"` // 1-based, set once at round end
	CreatedAt time.Time `json:"created_at"`
}
