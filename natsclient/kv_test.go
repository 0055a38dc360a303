package natsclient

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsKVNotFoundError(t *testing.T) {
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.True(t, IsKVNotFoundError(errors.New("err code 10037")))
	assert.False(t, IsKVNotFoundError(errors.New("connection refused")))
}

func TestIsKVConflictError(t *testing.T) {
	assert.False(t, IsKVConflictError(nil))
	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(ErrKVKeyExists))
	assert.True(t, IsKVConflictError(errors.New("nats: wrong last sequence: 5")))
	assert.True(t, IsKVConflictError(errors.New("err code 10071")))
	assert.False(t, IsKVConflictError(errors.New("timeout")))
}

func TestDefaultKVOptions(t *testing.T) {
	opts := DefaultKVOptions()
	assert.Equal(t, 10, opts.MaxRetries)
	assert.Positive(t, opts.Timeout)
	assert.Positive(t, opts.MaxValueSize)
}
