package store

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens (or creates) a sqlite database at dsn and initialises
// the schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(ctx context.Context, dsn string, limits Limits) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serialises writes; a single connection avoids
	// SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db, "sqlite", limits)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
