package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func requireExactlyOne(rows int64, operation string) error {
	if rows != 1 {
		return fmt.Errorf("%s affected %d rows", operation, rows)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// compactID renders an id without dashes, the form exchanges accept as a client reference.
func compactID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

func stringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
