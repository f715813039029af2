// Package postgres provides the PostgreSQL + pgvector backend for the consolidation store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/oceanbase/memconsolidate-go/pkg/storage/sqlstore"
	"github.com/pgvector/pgvector-go"
)

// Config contains PostgreSQL configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	SSLMode            string
	TablePrefix        string
	EmbeddingModelDims int
}

// pgVector adapts pgvector.Vector to sqlstore.VectorScanner.
type pgVector struct {
	vec  pgvector.Vector
	null bool
}

func (v *pgVector) Scan(src interface{}) error {
	if src == nil {
		v.null = true
		return nil
	}
	return v.vec.Scan(src)
}

func (v *pgVector) Vector() []float64 {
	if v.null {
		return nil
	}
	f32 := v.vec.Slice()
	out := make([]float64, len(f32))
	for i, x := range f32 {
		out[i] = float64(x)
	}
	return out
}

func encodeVector(v []float64) (interface{}, error) {
	if len(v) == 0 {
		return nil, nil
	}
	f32 := make([]float32, len(v))
	for i, x := range v {
		f32[i] = float32(x)
	}
	return pgvector.NewVector(f32), nil
}

// Dialect is the PostgreSQL dialect.
var Dialect = &sqlstore.Dialect{
	Name:            "postgres",
	Numbered:        true,
	Returning:       true,
	KeyType:         "VARCHAR(255)",
	TextType:        "TEXT",
	BoolType:        "BOOLEAN",
	FloatType:       "DOUBLE PRECISION",
	AutoIncrementPK: "BIGSERIAL PRIMARY KEY",
	VectorType: func(dims int) string {
		if dims <= 0 {
			return "vector"
		}
		return fmt.Sprintf("vector(%d)", dims)
	},
	EncodeVector:     encodeVector,
	NewVectorScanner: func() sqlstore.VectorScanner { return &pgVector{} },
}

// NewStore connects to PostgreSQL, enables pgvector and creates the tables.
func NewStore(cfg *Config) (*sqlstore.Store, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresStore: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewPostgresStore: %w", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewPostgresStore: create extension: %w", err)
	}

	store, err := sqlstore.New(ctx, db, Dialect, &sqlstore.Config{
		TablePrefix:   cfg.TablePrefix,
		EmbeddingDims: cfg.EmbeddingModelDims,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
