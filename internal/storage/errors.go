package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// notFound maps pgx.ErrNoRows to ErrNotFound, naming the entity.
func notFound(err error, entity string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", ErrNotFound, entity, id)
	}
	return fmt.Errorf("storage: get %s: %w", entity, err)
}
