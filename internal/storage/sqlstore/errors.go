package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/debian-tools/btsmirror/internal/storage"
)

// wrapDBErrorf wraps a database error with formatted operation context.
// sql.ErrNoRows becomes storage.ErrNotFound and constraint failures become
// storage.ErrConflict, keeping the driver error in the chain.
func (s *Store) wrapDBErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	op := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w: %w", op, storage.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
