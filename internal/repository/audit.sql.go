package repository

import (
	"context"

	"github.com/google/uuid"
)

const insertAuditLog = `-- name: InsertAuditLog :one
INSERT INTO audit_log (entity_type, entity_id, actor_id, action, prev_state, next_state, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`

type InsertAuditLogParams struct {
	EntityType string
	EntityID   uuid.UUID
	ActorID    *uuid.UUID
	Action     string
	PrevState  *string
	NextState  *string
	Metadata   []byte
}

func (q *Queries) InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) (uuid.UUID, error) {
	row := q.db.QueryRow(ctx, insertAuditLog,
		arg.EntityType,
		arg.EntityID,
		arg.ActorID,
		arg.Action,
		arg.PrevState,
		arg.NextState,
		arg.Metadata,
	)
	var id uuid.UUID
	err := row.Scan(&id)
	return id, err
}
