// Package sqlite provides the SQLite backend for the consolidation store.
//
// SQLite is a lightweight, file-based database suitable for local development
// and single-node deployments. Embeddings are stored as JSON strings in TEXT
// fields and similarity is computed in memory by the merger.
//
// Two drivers are supported: "sqlite3" (github.com/mattn/go-sqlite3, cgo) and
// "sqlite" (modernc.org/sqlite, pure Go).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oceanbase/memconsolidate-go/pkg/storage/sqlstore"
	_ "modernc.org/sqlite"
)

const (
	// DriverCGO selects github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"

	// DriverPureGo selects modernc.org/sqlite.
	DriverPureGo = "sqlite"
)

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// Driver is DriverCGO (default) or DriverPureGo.
	Driver string

	// TablePrefix is prepended to table names.
	TablePrefix string

	// EmbeddingModelDims is the dimension of embedding vectors.
	EmbeddingModelDims int
}

// Dialect is the SQLite dialect.
var Dialect = &sqlstore.Dialect{
	Name:             "sqlite",
	KeyType:          "TEXT",
	TextType:         "TEXT",
	BoolType:         "INTEGER",
	FloatType:        "REAL",
	AutoIncrementPK:  "INTEGER PRIMARY KEY AUTOINCREMENT",
	VectorType:       func(int) string { return "TEXT" },
	EncodeVector:     sqlstore.EncodeJSONVector,
	NewVectorScanner: sqlstore.NewJSONVector,
}

func dsn(driver, path string) string {
	if driver == DriverPureGo {
		return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	return path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
}

// NewStore opens the database file and creates the tables.
func NewStore(cfg *Config) (*sqlstore.Store, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteStore: failed to create directory: %w", err)
		}
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverCGO
	}
	if driver != DriverCGO && driver != DriverPureGo {
		return nil, fmt.Errorf("NewSQLiteStore: unknown driver %q", driver)
	}

	db, err := sql.Open(driver, dsn(driver, cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteStore: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewSQLiteStore: %w", err)
	}

	store, err := sqlstore.New(context.Background(), db, Dialect, &sqlstore.Config{
		TablePrefix:   cfg.TablePrefix,
		EmbeddingDims: cfg.EmbeddingModelDims,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
