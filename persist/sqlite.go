package persist

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLite is a DurableStore backed by a single-table SQLite database.
type SQLite struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLite opens (and if needed creates) the state database in the given
// file. Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLite(filename string) (*SQLite, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS state (name TEXT PRIMARY KEY, data BLOB, updated INTEGER)"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	return &SQLite{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLite) Load(name string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM state WHERE name = ?", name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *SQLite) Save(name string, data []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO state (name, data, updated) VALUES (?, ?, ?)",
		name, data, time.Now().Unix())
	return err
}

func (s *SQLite) Clear(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM state WHERE name = ?", name)
	return err
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
