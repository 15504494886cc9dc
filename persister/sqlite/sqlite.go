// Package sqlite keeps persisted content as one JSON document in a
// sqlite table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/drpcorg/tabby/persister"
	"github.com/drpcorg/tabby/tabby_errors"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const DefaultTable = "tabby"

const rowID = "_"

type Backend struct {
	db    *sql.DB
	table string
	owned bool
}

// Open opens the database file at path and keeps content in DefaultTable.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite at "+path)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "exec %q", pragma)
		}
	}
	b, err := New(db, DefaultTable)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// New uses an open database; the caller keeps closing it.
func New(db *sql.DB, table string) (*Backend, error) {
	b := &Backend{db: db, table: table}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS "` + table + `" (id TEXT PRIMARY KEY, store TEXT NOT NULL)`)
	if err != nil {
		return nil, errors.Wrap(err, "create table "+table)
	}
	return b, nil
}

func (b *Backend) Get(ctx context.Context) (*persister.Persisted, error) {
	var doc string
	err := b.db.QueryRowContext(ctx, `SELECT store FROM "`+b.table+`" WHERE id = ?`, rowID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && doc == "") {
		return nil, tabby_errors.ErrNothingPersisted
	}
	if err != nil {
		return nil, errors.Wrap(err, "select from "+b.table)
	}
	p := &persister.Persisted{}
	if err := json.Unmarshal([]byte(doc), p); err != nil {
		return nil, errors.Wrap(err, "parse stored document")
	}
	return p, nil
}

func (b *Backend) Set(ctx context.Context, p *persister.Persisted) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO "`+b.table+`" (id, store) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET store = excluded.store`,
		rowID, string(doc))
	return errors.Wrap(err, "upsert into "+b.table)
}

func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}
