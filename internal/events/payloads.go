// Package events defines the canvas event envelope and payloads shared by
// the engine (producer) and the gateway (consumer), plus the NATS JetStream
// publisher that carries them between the two.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/paintbox/internal/models"
)

// Type identifies a canvas event on the wire.
type Type string

const (
	TypePixelUpdate Type = "pixel_update"
	TypeDeadUser    Type = "dead_user"
	TypeDeadNotice  Type = "dead_notice"
	TypeGameResult  Type = "game_result"
)

// Envelope wraps every event published to the bus.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType Type            `json:"event_type"`
	CanvasID  string          `json:"canvas_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	// UserID restricts delivery to one subscriber when set.
	UserID string `json:"user_id,omitempty"`
}

// PixelUpdatePayload carries one flushed batch of accepted writes, in
// enqueue order.
type PixelUpdatePayload struct {
	Pixels []models.Pixel `json:"pixels"`
}

// DeadUserPayload announces a participant's death and the cells freed back
// to neutral. Count equals the participant's owned-cell count just before
// death.
type DeadUserPayload struct {
	UserID   string         `json:"user_id"`
	Username string         `json:"username"`
	Pixels   []models.Pixel `json:"pixels"`
	Count    int            `json:"count"`
}

// DeadNoticePayload tells the dying user directly.
type DeadNoticePayload struct {
	Message string `json:"message"`
}

// GameResultPayload carries the final ranking, computed once per round.
type GameResultPayload struct {
	Results []ParticipantResult `json:"results"`
}

// ParticipantResult is one row of the final ranking.
type ParticipantResult struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Rank     int    `json:"rank"`
	Owned    int    `json:"owned"`
	Attempts int    `json:"attempts"`
	Dead     bool   `json:"dead"`
}

// NewEnvelope builds an envelope around a marshalled payload.
func NewEnvelope(eventType Type, canvasID uuid.UUID, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		CanvasID:  canvasID.String(),
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}
