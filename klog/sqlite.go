// sqlite.go
//
// SQLiteSink appends records to a "log" table so a run can be inspected
// with plain SQL afterwards.

package klog

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const logSchema = `
CREATE TABLE IF NOT EXISTS log (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_ns   INTEGER NOT NULL,
	level   TEXT    NOT NULL,
	module  TEXT    NOT NULL,
	message TEXT    NOT NULL
)`

// SQLiteSink stores records in a SQLite database.
type SQLiteSink struct {
	db     *sql.DB
	insert *sql.Stmt
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("klog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(logSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("klog: create log table: %w", err)
	}
	stmt, err := db.Prepare(`INSERT INTO log (ts_ns, level, module, message) VALUES (?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("klog: prepare insert: %w", err)
	}
	return &SQLiteSink{db: db, insert: stmt}, nil
}

// DB exposes the handle for queries.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

func (s *SQLiteSink) WriteRecord(rec *Record, _ []byte) error {
	_, err := s.insert.Exec(rec.Time.UnixNano(), rec.Level.String(), rec.Module, string(rec.Message()))
	return err
}

func (s *SQLiteSink) Close() error {
	s.insert.Close()
	return s.db.Close()
}
