package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/google/uuid"
)

// AuditService writes immutable audit trail entries.
type AuditService struct {
	store QueryStore
}

func NewAuditService(store QueryStore) *AuditService {
	return &AuditService{store: store}
}

// Write stores a single immutable audit record inside the caller's transaction.
func (s *AuditService) Write(ctx context.Context, qtx repository.Querier, entityType string, entityID uuid.UUID, actorID *uuid.UUID, action, prevState, nextState string, metadata map[string]any) error {
	var raw []byte
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		raw = encoded
	}

	if _, err := qtx.InsertAuditLog(ctx, repository.InsertAuditLogParams{
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorID,
		Action:     action,
		PrevState:  stringPtr(prevState),
		NextState:  stringPtr(nextState),
		Metadata:   raw,
	}); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
