// CLAUDE:SUMMARY SQLite database handle for the receipt store: opens DB with HOROS pragmas and applies schema.
// Package store is the SQLite persistence layer: header registration with
// an atomic dedup guard, transactional detail and line-item writes, the
// scrape log, and the reporting queries.
package store

import (
	"database/sql"
	"errors"

	"github.com/hazyhaar/nfce/dbopen"
	"github.com/hazyhaar/nfce/idgen"
)

var (
	// ErrNoHeader is returned when a detail is saved for an unknown key.
	ErrNoHeader = errors.New("store: no header for access key")
	// ErrBadKey is returned when a key is not 44 digits.
	ErrBadKey = errors.New("store: access key must be 44 digits")
)

// Store is the receipt database handle.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// Open opens (or creates) the receipt database at path, applies HOROS
// pragmas and the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// New wraps an already opened database. The schema must be applied.
func New(db *sql.DB) *Store {
	return &Store{DB: db, newID: idgen.Prefixed("scr_", idgen.Default)}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func nullStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}
