// Package store provides database operations using GORM.
//
// It is the Rotation State Store of the service: memberships, cursors,
// absences and the distribution log all live behind this type. Every
// persistence failure is reported as ErrStorage so callers can tell it apart
// from caller mistakes (ErrNotFound, ErrInvalidArgument).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Common errors
var (
	ErrNotFound        = errors.New("record not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrStorage         = errors.New("storage error")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// invalidf builds an ErrInvalidArgument carrying a caller-facing detail.
func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// notFoundf builds an ErrNotFound carrying a caller-facing detail.
func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// wrap maps a GORM error onto the store's error taxonomy. Errors that
// already carry one of the sentinels pass through unchanged.
func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrStorage):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
}

// forUpdate returns a row-locking clause on dialects that support it.
// SQLite serializes writers on its own.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// snapshot runs read-only fn against one consistent view of the database.
// Postgres needs REPEATABLE READ for that; a SQLite read transaction already
// pins its WAL snapshot at the first read.
func (s *Store) snapshot(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var opts []*sql.TxOptions
	if s.db.Dialector.Name() == "postgres" {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}
	return wrap(s.db.WithContext(ctx).Transaction(fn, opts...))
}

// transaction runs fn in a transaction and maps the result through wrap.
func (s *Store) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return wrap(s.db.WithContext(ctx).Transaction(fn))
}
