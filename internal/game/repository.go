package game

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/paintbox/internal/models"
	"github.com/mcdev12/paintbox/internal/sqlutil"
)

// Repository persists round participant rows. Live round state is held in
// memory by the machine; durable rows are written on death and at round end.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a participant repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertParticipant writes one participant's current stats.
func (r *Repository) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO round_participants
            (canvas_id, user_id, username, color, life, attempts, owned, dead, rank, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (canvas_id, user_id)
        DO UPDATE SET
            life = EXCLUDED.life,
            attempts = EXCLUDED.attempts,
            owned = EXCLUDED.owned,
            dead = EXCLUDED.dead,
            rank = EXCLUDED.rank
    `, p.CanvasID, p.UserID, p.Username, p.Color, p.Life, p.Attempts, p.Owned, p.Dead, p.Rank, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

// SaveRanking persists every participant's final stats and rank in one
// transaction at round end. Either the full standing lands or none of it,
// so a retry after a mid-write failure cannot expose a partial ranking.
func (r *Repository) SaveRanking(ctx context.Context, canvasID uuid.UUID, ranked []models.Participant) error {
	if len(ranked) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range ranked {
		batch.Queue(`
            INSERT INTO round_participants
                (canvas_id, user_id, username, color, life, attempts, owned, dead, rank, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
            ON CONFLICT (canvas_id, user_id)
            DO UPDATE SET
                life = EXCLUDED.life,
                attempts = EXCLUDED.attempts,
                owned = EXCLUDED.owned,
                dead = EXCLUDED.dead,
                rank = EXCLUDED.rank
        `, canvasID, p.UserID, p.Username, p.Color, p.Life, p.Attempts, p.Owned, p.Dead, p.Rank, p.CreatedAt)
	}

	return sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range ranked {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("failed to save ranking batch: %w", err)
			}
		}
		return results.Close()
	})
}

// GetParticipantsByCanvas loads every participant row of a canvas.
func (r *Repository) GetParticipantsByCanvas(ctx context.Context, canvasID uuid.UUID) ([]models.Participant, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT canvas_id, user_id, username, color, life, attempts, owned, dead, rank, created_at
        FROM round_participants WHERE canvas_id = $1
    `, canvasID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.CanvasID, &p.UserID, &p.Username, &p.Color, &p.Life, &p.Attempts, &p.Owned, &p.Dead, &p.Rank, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}
