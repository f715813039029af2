package core_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/memconsolidate-go/pkg/core"
)

func TestErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "ErrInvalidConfig", err: core.ErrInvalidConfig, expected: "invalid configuration"},
		{name: "ErrMissingCredentials", err: core.ErrMissingCredentials, expected: "missing credentials"},
		{name: "ErrProviderNotSupported", err: core.ErrProviderNotSupported, expected: "provider not supported"},
		{name: "ErrStoreNotSupported", err: core.ErrStoreNotSupported, expected: "storage provider not supported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestConsolidationError(t *testing.T) {
	originalErr := errors.New("original error")
	err := core.NewConsolidationError("test_operation", originalErr)

	assert.EqualError(t, err, "memconsolidate: test_operation: original error")

	var target *core.ConsolidationError
	if assert.True(t, errors.As(err, &target)) {
		assert.Equal(t, "test_operation", target.Op)
		assert.Equal(t, originalErr, target.Err)
	}
	assert.Equal(t, originalErr, errors.Unwrap(err))
}

func TestNewConsolidationErrorNil(t *testing.T) {
	assert.NoError(t, core.NewConsolidationError("op", nil))
}
