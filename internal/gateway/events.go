package gateway

import (
	"encoding/json"
	"time"

	"github.com/mcdev12/paintbox/internal/models"
)

// ClientMessageType identifies an inbound websocket message.
type ClientMessageType string

const (
	ClientDrawPixel  ClientMessageType = "draw_pixel"
	ClientJoinCanvas ClientMessageType = "join_canvas"
	ClientSendResult ClientMessageType = "send_result"
)

// ClientMessage is the envelope every client sends.
type ClientMessage struct {
	Type    ClientMessageType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

// DrawPixelPayload is a free-paint write request.
type DrawPixelPayload struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

// JoinCanvasPayload registers the user on the canvas.
type JoinCanvasPayload struct {
	Username string `json:"username"`
}

// SendResultPayload is a scored game action; the client's judge has already
// decided correctness.
type SendResultPayload struct {
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Color   string `json:"color"`
	Correct bool   `json:"correct"`
}

// CanvasEventType identifies an outbound websocket event.
type CanvasEventType string

const (
	EventTypePixelUpdate  CanvasEventType = "pixel_update"
	EventTypeDeadUser     CanvasEventType = "dead_user"
	EventTypeDeadNotice   CanvasEventType = "dead_notice"
	EventTypeGameResult   CanvasEventType = "game_result"
	EventTypeCanvasState  CanvasEventType = "canvas_state"
	EventTypeCooldownInfo CanvasEventType = "cooldown_info"
	EventTypePixelError   CanvasEventType = "pixel_error"
	EventTypeGameError    CanvasEventType = "game_error"
	EventTypeJoined       CanvasEventType = "joined"
)

// CanvasEvent is the envelope every outbound websocket event rides in.
type CanvasEvent struct {
	ID        string          `json:"id"`
	CanvasID  string          `json:"canvas_id"`
	Type      CanvasEventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// CanvasStatePayload is the full grid snapshot sent on join.
type CanvasStatePayload struct {
	Width  int            `json:"width"`
	Height int            `json:"height"`
	Mode   string         `json:"mode"`
	Pixels []models.Pixel `json:"pixels"`
}

// CooldownInfoPayload tells a user whether a cooldown is active and how long
// until their next paint. Remaining is seconds; RemainingMs carries the same
// value at millisecond precision.
type CooldownInfoPayload struct {
	Cooldown    bool    `json:"cooldown"`
	Remaining   float64 `json:"remaining"`
	RemainingMs int64   `json:"remaining_ms"`
}

func cooldownInfo(remaining time.Duration) CooldownInfoPayload {
	return CooldownInfoPayload{
		Cooldown:    remaining > 0,
		Remaining:   remaining.Seconds(),
		RemainingMs: remaining.Milliseconds(),
	}
}

// PixelErrorPayload reports a rejected paint attempt with a retry hint when
// the rejection is cooldown-based.
type PixelErrorPayload struct {
	Reason      string  `json:"reason"`
	Message     string  `json:"message"`
	X           int     `json:"x"`
	Y           int     `json:"y"`
	Remaining   float64 `json:"remaining,omitempty"`
	RemainingMs int64   `json:"remaining_ms,omitempty"`
}

func pixelError(reason string, x, y int, remaining time.Duration) PixelErrorPayload {
	return PixelErrorPayload{
		Reason:      reason,
		Message:     rejectMessage(reason),
		X:           x,
		Y:           y,
		Remaining:   remaining.Seconds(),
		RemainingMs: remaining.Milliseconds(),
	}
}

// GameErrorPayload reports a rejected scored action.
type GameErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func gameError(reason string) GameErrorPayload {
	return GameErrorPayload{Reason: reason, Message: rejectMessage(reason)}
}

// rejectMessage translates a rejection reason into the human-readable
// message the wire contract carries alongside it.
func rejectMessage(reason string) string {
	switch reason {
	case "on_cooldown":
		return "cooldown active, try again shortly"
	case "contended":
		return "another paint is in flight for this cell"
	case "out_of_bounds":
		return "coordinates are outside the canvas"
	case "bad_color":
		return "color must be #rrggbb"
	case "canvas_ended":
		return "this canvas has ended"
	case "round_ended":
		return "the round has ended"
	case "dead_participant":
		return "you are out of lives"
	case "canvas_not_found":
		return "canvas not found"
	case "state_unavailable":
		return "canvas state is unavailable"
	case "malformed_payload":
		return "payload could not be parsed"
	case "internal_error":
		return "internal error"
	default:
		return "request rejected"
	}
}

// JoinedPayload confirms a join and carries the assigned color and lives.
type JoinedPayload struct {
	UserID string `json:"user_id"`
	Color  string `json:"color"`
	Life   int    `json:"life"`
	Dead   bool   `json:"dead"`
	Rank   int    `json:"rank,omitempty"`
}
