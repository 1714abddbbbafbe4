package game

import (
	"github.com/google/uuid"
)

// RejectReason classifies a rejected scored action.
type RejectReason string

const (
	RejectNone        RejectReason = ""
	RejectDead        RejectReason = "dead_participant"
	RejectRoundEnded  RejectReason = "round_ended"
	RejectContended   RejectReason = "contended"
	RejectOutOfBounds RejectReason = "out_of_bounds"
	RejectBadColor    RejectReason = "bad_color"
)

// ResultRequest is one scored action: the external judge has already decided
// Correct.
type ResultRequest struct {
	CanvasID uuid.UUID
	X, Y     int
	Color    string
	UserID   string
	Username string
	Correct  bool
}

// ResultOutcome reports what a scored action did.
type ResultOutcome struct {
	Accepted bool
	Reason   RejectReason
	// Died is set when this action took the participant's last life.
	Died bool
	// RoundEnded is set when this action terminated the round.
	RoundEnded bool
}

// participantPalette provides the distinguishing colors assigned to
// participants as they join a round.
var participantPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#800000", "#aaffc3",
}
