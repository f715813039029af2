// Package sqlstore implements storage.Store on top of database/sql.
//
// The sqlite, postgres and oceanbase packages open a connection with their
// driver and hand it to New together with a Dialect describing column types,
// placeholder style and vector encoding.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// VectorScanner scans a stored embedding column.
type VectorScanner interface {
	sql.Scanner
	Vector() []float64
}

// Dialect captures the differences between SQL backends.
type Dialect struct {
	// Name is used in error messages.
	Name string

	// Numbered switches "?" placeholders to "$1, $2, ...".
	Numbered bool

	// Returning makes inserts fetch generated ids with RETURNING instead of LastInsertId.
	Returning bool

	// InlineIndexes declares indexes inside CREATE TABLE (MySQL family).
	InlineIndexes bool

	KeyType         string
	TextType        string
	BoolType        string
	FloatType       string
	AutoIncrementPK string

	// VectorType returns the column type of an embedding with the given dimension.
	VectorType func(dims int) string

	// EncodeVector converts an embedding into a driver value.
	EncodeVector func(v []float64) (interface{}, error)

	// NewVectorScanner returns a fresh scanner for an embedding column.
	NewVectorScanner func() VectorScanner
}

// Rebind rewrites "?" placeholders for dialects with numbered parameters.
func (d *Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// JSONVector stores embeddings as JSON text. It also reads the "[x,y,...]"
// literal format used by native vector columns.
type JSONVector struct {
	v []float64
}

// Scan implements sql.Scanner.
func (j *JSONVector) Scan(src interface{}) error {
	var raw []byte
	switch s := src.(type) {
	case nil:
		j.v = nil
		return nil
	case []byte:
		raw = s
	case string:
		raw = []byte(s)
	default:
		return fmt.Errorf("scan vector: unsupported type %T", src)
	}
	if len(raw) == 0 {
		j.v = nil
		return nil
	}
	var v []float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("scan vector: %w", err)
	}
	j.v = v
	return nil
}

// Vector returns the scanned embedding.
func (j *JSONVector) Vector() []float64 {
	return j.v
}

// EncodeJSONVector encodes v as JSON text.
func EncodeJSONVector(v []float64) (interface{}, error) {
	if v == nil {
		v = []float64{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// NewJSONVector returns a JSONVector scanner.
func NewJSONVector() VectorScanner {
	return &JSONVector{}
}
