// persistence/gorm_sqlite.go
package persistence

import (
	"fmt"
	"path/filepath"

	"gorm.io/driver/sqlite"
)

// NewGormSQLite opens a snapshot archive in a local SQLite file. It runs on
// the pure-Go "sqlite" driver registered by modernc.org/sqlite.
func NewGormSQLite(path string) (*GormArchive, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite archive needs a path")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	return OpenGormArchive(sqlite.New(sqlite.Config{
		DriverName: "sqlite",
		DSN:        dsn,
	}))
}
