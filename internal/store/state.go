package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Get reads a sync_state value. It implements checkpoint.Backend.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM sync_state WHERE name = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load state %s: %w", key, err)
	}
	return value, true, nil
}

// Set writes a sync_state value. It returns once the write is committed.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sync_state (name, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`),
		key, value, s.now().Unix())
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}
