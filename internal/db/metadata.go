package db

import (
	"context"
	"database/sql"
	"errors"
)

// SetMetadata stores or replaces a key/value pair in api_metadata.
func (db *DB) SetMetadata(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO api_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for key, or "" if the key is absent.
func (db *DB) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx,
		`SELECT value FROM api_metadata WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// DeleteAllMetadata empties the api_metadata table. Returns the row count.
func (db *DB) DeleteAllMetadata(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM api_metadata`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
