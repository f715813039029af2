// Package oceanbase provides the OceanBase (MySQL protocol) backend for the consolidation store.
package oceanbase

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/oceanbase/memconsolidate-go/pkg/storage/sqlstore"
)

// Config contains OceanBase configuration.
type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	TablePrefix string

	EmbeddingModelDims int

	// JSONVectors stores embeddings as JSON text instead of the native VECTOR
	// type, for plain MySQL servers.
	JSONVectors bool
}

// vectorToString formats v as the "[x,y,...]" literal accepted by VECTOR columns.
func vectorToString(v []float64) (interface{}, error) {
	if len(v) == 0 {
		return nil, nil
	}
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]", nil
}

// NewDialect returns the dialect for native VECTOR columns or JSON text columns.
func NewDialect(jsonVectors bool) *sqlstore.Dialect {
	d := &sqlstore.Dialect{
		Name:             "oceanbase",
		InlineIndexes:    true,
		KeyType:          "VARCHAR(128)",
		TextType:         "LONGTEXT",
		BoolType:         "TINYINT(1)",
		FloatType:        "DOUBLE",
		AutoIncrementPK:  "BIGINT AUTO_INCREMENT PRIMARY KEY",
		VectorType:       func(dims int) string { return fmt.Sprintf("VECTOR(%d)", dims) },
		EncodeVector:     vectorToString,
		NewVectorScanner: sqlstore.NewJSONVector,
	}
	if jsonVectors {
		d.Name = "mysql"
		d.VectorType = func(int) string { return "LONGTEXT" }
		d.EncodeVector = sqlstore.EncodeJSONVector
	}
	return d
}

// NewStore connects to OceanBase and creates the tables.
func NewStore(cfg *Config) (*sqlstore.Store, error) {
	port := cfg.Port
	if port == 0 {
		port = 2881
	}

	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, port)
	mc.DBName = cfg.DBName
	mc.ParseTime = true
	mc.ClientFoundRows = true

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("NewOceanBaseStore: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewOceanBaseStore: %w", err)
	}

	store, err := sqlstore.New(context.Background(), db, NewDialect(cfg.JSONVectors), &sqlstore.Config{
		TablePrefix:   cfg.TablePrefix,
		EmbeddingDims: cfg.EmbeddingModelDims,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
