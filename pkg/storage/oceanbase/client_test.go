package oceanbase_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memconsolidate-go/pkg/storage"
	"github.com/oceanbase/memconsolidate-go/pkg/storage/oceanbase"
	"github.com/oceanbase/memconsolidate-go/pkg/storage/storetest"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	_ = godotenv.Load(filepath.Join("..", "..", "..", ".env"))

	host := os.Getenv("OCEANBASE_HOST")
	if host == "" {
		t.Skip("Skipping OceanBase test: OCEANBASE_HOST not set")
	}
	port, err := strconv.Atoi(envOr("OCEANBASE_PORT", "2881"))
	if err != nil {
		t.Skipf("Skipping OceanBase test: invalid OCEANBASE_PORT")
	}

	store, err := oceanbase.NewStore(&oceanbase.Config{
		Host:               host,
		Port:               port,
		User:               envOr("OCEANBASE_USER", "root@test"),
		Password:           os.Getenv("OCEANBASE_PASSWORD"),
		DBName:             envOr("OCEANBASE_DATABASE", "memconsolidate_test"),
		TablePrefix:        fmt.Sprintf("t%d_", time.Now().UnixNano()),
		EmbeddingModelDims: 3,
		JSONVectors:        os.Getenv("OCEANBASE_JSON_VECTORS") == "true",
	})
	if err != nil {
		t.Skipf("Skipping OceanBase test: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestDialect(t *testing.T) {
	native := oceanbase.NewDialect(false)
	assert.Equal(t, "VECTOR(3)", native.VectorType(3))
	assert.Equal(t, "a = ?", native.Rebind("a = ?"))

	v, err := native.EncodeVector([]float64{0.5, -1, 2})
	require.NoError(t, err)
	assert.Equal(t, "[0.5,-1,2]", v)

	s := native.NewVectorScanner()
	require.NoError(t, s.Scan("[0.5,-1,2]"))
	assert.Equal(t, []float64{0.5, -1, 2}, s.Vector())

	plain := oceanbase.NewDialect(true)
	assert.Equal(t, "mysql", plain.Name)
	assert.Equal(t, "LONGTEXT", plain.VectorType(3))
	v, err = plain.EncodeVector(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", v)
}
