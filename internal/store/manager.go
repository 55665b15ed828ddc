package store

import (
	"fmt"
	"path/filepath"
	"sync"
)

// DBFile is the database file name inside a project state directory.
const DBFile = "celebi.db"

// manager hands out one reference-counted connection per process. bbolt
// holds an exclusive file lock, so a second Open of the same file from one
// process would block until the first is closed.
type manager struct {
	db     *DB
	dbPath string
	refs   int
}

var (
	globalManager *manager
	managerMu     sync.Mutex
)

// Shared returns a connection to the database in stateDir. Calls with the
// same directory share the connection until every handle is closed.
func Shared(stateDir string) (*SharedDB, error) {
	managerMu.Lock()
	defer managerMu.Unlock()

	dbPath := filepath.Join(stateDir, DBFile)
	if globalManager == nil || globalManager.dbPath != dbPath {
		if globalManager != nil && globalManager.refs > 0 {
			return nil, fmt.Errorf("store %s is still open", globalManager.dbPath)
		}
		db, err := Open(dbPath)
		if err != nil {
			return nil, err
		}
		globalManager = &manager{db: db, dbPath: dbPath}
	}

	globalManager.refs++
	return &SharedDB{manager: globalManager, DB: globalManager.db}, nil
}

// SharedDB is a handle on a shared connection.
type SharedDB struct {
	manager *manager
	*DB
}

// Close releases the handle and closes the database with the last one.
func (s *SharedDB) Close() error {
	managerMu.Lock()
	defer managerMu.Unlock()

	if s.manager == nil {
		return nil
	}
	m := s.manager
	s.manager = nil
	m.refs--
	if m.refs > 0 {
		return nil
	}
	if globalManager == m {
		globalManager = nil
	}
	return m.db.Close()
}
