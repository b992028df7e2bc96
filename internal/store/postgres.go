package store

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresStore connects to postgres with dsn and initialises the schema.
func NewPostgresStore(ctx context.Context, dsn string, limits Limits) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := NewSQLStore(db, "postgres", limits)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
