package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/paintbox/internal/game"
	"github.com/mcdev12/paintbox/internal/models"
	"github.com/mcdev12/paintbox/internal/paint"
)

// PaintPipeline is what the router needs from the pixel write pipeline.
type PaintPipeline interface {
	TryPaint(ctx context.Context, req paint.Request) (paint.Outcome, error)
}

// GameMachine is what the router needs from the round state machine.
type GameMachine interface {
	Join(canvasID uuid.UUID, userID, username string) *models.Participant
	HandleResult(ctx context.Context, req game.ResultRequest) (game.ResultOutcome, error)
}

// CooldownReader reports a user's remaining cooldown.
type CooldownReader interface {
	Remaining(userID, canvasID string) time.Duration
}

// CanvasReader serves grid snapshots and metadata.
type CanvasReader interface {
	GetCanvas(ctx context.Context, id uuid.UUID) (*models.Canvas, error)
	GetAllPixels(ctx context.Context, canvasID uuid.UUID) ([]models.Pixel, error)
}

// Router routes inbound websocket messages into the engine. Rejections go
// back to the sending connection only; accepted writes reach everyone through
// the broadcast path.
type Router struct {
	pipeline  PaintPipeline
	machine   GameMachine
	cooldowns CooldownReader
	canvases  CanvasReader
}

// NewRouter wires the inbound router.
func NewRouter(pipeline PaintPipeline, machine GameMachine, cooldowns CooldownReader, canvases CanvasReader) *Router {
	return &Router{
		pipeline:  pipeline,
		machine:   machine,
		cooldowns: cooldowns,
		canvases:  canvases,
	}
}

// HandleMessage implements MessageHandler.
func (rt *Router) HandleMessage(ctx context.Context, conn *Connection, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", conn.ID).
			Msg("dropping malformed client message")
		return
	}

	switch msg.Type {
	case ClientDrawPixel:
		rt.handleDrawPixel(ctx, conn, msg.Payload)
	case ClientJoinCanvas:
		rt.handleJoinCanvas(ctx, conn, msg.Payload)
	case ClientSendResult:
		rt.handleSendResult(ctx, conn, msg.Payload)
	default:
		log.Debug().
			Str("connection_id", conn.ID).
			Str("type", string(msg.Type)).
			Msg("unknown client message type")
	}
}

func (rt *Router) handleDrawPixel(ctx context.Context, conn *Connection, payload json.RawMessage) {
	var req DrawPixelPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.SendEvent(newEvent(conn.CanvasID, EventTypePixelError, pixelError("malformed_payload", 0, 0, 0)))
		return
	}

	outcome, err := rt.pipeline.TryPaint(ctx, paint.Request{
		CanvasID: conn.CanvasID,
		X:        req.X,
		Y:        req.Y,
		Color:    req.Color,
		UserID:   conn.UserID,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("connection_id", conn.ID).
			Msg("paint attempt failed")
		conn.SendEvent(newEvent(conn.CanvasID, EventTypePixelError, pixelError("internal_error", req.X, req.Y, 0)))
		return
	}
	if !outcome.Accepted {
		conn.SendEvent(newEvent(conn.CanvasID, EventTypePixelError, pixelError(string(outcome.Reason), req.X, req.Y, outcome.Remaining)))
		return
	}

	// Accepted paints start a fresh cooldown window; tell the painter.
	conn.SendEvent(newEvent(conn.CanvasID, EventTypeCooldownInfo, cooldownInfo(rt.cooldowns.Remaining(conn.UserID, conn.CanvasID.String()))))
}

func (rt *Router) handleJoinCanvas(ctx context.Context, conn *Connection, payload json.RawMessage) {
	var req JoinCanvasPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.SendEvent(newEvent(conn.CanvasID, EventTypeGameError, gameError("malformed_payload")))
		return
	}
	if req.Username == "" {
		req.Username = conn.UserID
	}

	cv, err := rt.canvases.GetCanvas(ctx, conn.CanvasID)
	if err != nil {
		log.Error().Err(err).Str("canvas_id", conn.CanvasID.String()).Msg("join failed to resolve canvas")
		conn.SendEvent(newEvent(conn.CanvasID, EventTypeGameError, gameError("canvas_not_found")))
		return
	}

	if cv.Mode == models.CanvasModeCompetitiveRound {
		p := rt.machine.Join(conn.CanvasID, conn.UserID, req.Username)
		conn.SendEvent(newEvent(conn.CanvasID, EventTypeJoined, JoinedPayload{
			UserID: p.UserID,
			Color:  p.Color,
			Life:   p.Life,
			Dead:   p.Dead,
			Rank:   p.Rank,
		}))
	}

	pixels, err := rt.canvases.GetAllPixels(ctx, conn.CanvasID)
	if err != nil {
		log.Error().Err(err).Str("canvas_id", conn.CanvasID.String()).Msg("join failed to load grid snapshot")
		conn.SendEvent(newEvent(conn.CanvasID, EventTypeGameError, gameError("state_unavailable")))
		return
	}
	conn.SendEvent(newEvent(conn.CanvasID, EventTypeCanvasState, CanvasStatePayload{
		Width:  cv.Width,
		Height: cv.Height,
		Mode:   string(cv.Mode),
		Pixels: pixels,
	}))

	conn.SendEvent(newEvent(conn.CanvasID, EventTypeCooldownInfo, cooldownInfo(rt.cooldowns.Remaining(conn.UserID, conn.CanvasID.String()))))
}

func (rt *Router) handleSendResult(ctx context.Context, conn *Connection, payload json.RawMessage) {
	var req SendResultPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.SendEvent(newEvent(conn.CanvasID, EventTypeGameError, gameError("malformed_payload")))
		return
	}

	outcome, err := rt.machine.HandleResult(ctx, game.ResultRequest{
		CanvasID: conn.CanvasID,
		X:        req.X,
		Y:        req.Y,
		Color:    req.Color,
		UserID:   conn.UserID,
		Username: conn.UserID,
		Correct:  req.Correct,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("connection_id", conn.ID).
			Msg("scored action failed")
		conn.SendEvent(newEvent(conn.CanvasID, EventTypeGameError, gameError("internal_error")))
		return
	}
	if !outcome.Accepted {
		conn.SendEvent(newEvent(conn.CanvasID, EventTypeGameError, gameError(string(outcome.Reason))))
	}
}

func newEvent(canvasID uuid.UUID, eventType CanvasEventType, payload any) *CanvasEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event payload")
		data = []byte("{}")
	}
	return &CanvasEvent{
		ID:        uuid.New().String(),
		CanvasID:  canvasID.String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
