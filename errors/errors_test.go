package errors

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAddsContext(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "MergeEngine", "Apply", "node upsert")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MergeEngine.Apply: node upsert failed")
	assert.True(t, stderrors.Is(err, base))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
}

func TestClassifiedWrappers(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wrap(stderrors.New("x"), "Guard", "Admit", "check")
			var ce *ClassifiedError
			require.True(t, stderrors.As(err, &ce))
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "Guard", ce.Component)
		})
	}
}

func TestClassifiedWrappersWithNilCause(t *testing.T) {
	// Callers wrap nil when the condition itself is the error.
	err := WrapInvalid(nil, "Decoder", "Decode", "tenant id missing")
	require.Error(t, err)
	assert.True(t, IsInvalid(err))
	assert.Contains(t, err.Error(), "tenant id missing")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrStorageUnavailable))
	assert.True(t, IsTransient(ErrConnectionTimeout))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(stderrors.New("dial tcp: i/o timeout")))
	assert.False(t, IsTransient(ErrTenantMismatch))
	assert.False(t, IsTransient(nil))
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrUnknownType))
	assert.True(t, IsInvalid(ErrTenantMismatch))
	assert.True(t, IsInvalid(ErrMissingParam))
	assert.False(t, IsInvalid(ErrStorageUnavailable))
	assert.False(t, IsInvalid(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrUnknownTemplate))
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("mystery")))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestUnwrapPreservesSentinel(t *testing.T) {
	err := WrapInvalid(ErrTenantMismatch, "MergeEngine", "Apply", "edge check")
	assert.True(t, stderrors.Is(err, ErrTenantMismatch))
}
