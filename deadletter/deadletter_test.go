package deadletter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecordPopulatesIdentityAndTime(t *testing.T) {
	rec := NewRecord(ReasonSchemaViolation, "missing tenant", []byte(`{"id":"e1"}`))

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, ReasonSchemaViolation, rec.Reason)
	assert.Equal(t, "missing tenant", rec.Detail)
	assert.False(t, rec.FirstSeenAt.IsZero())
	assert.Equal(t, 1, rec.Attempts)
	assert.JSONEq(t, `{"id":"e1"}`, string(rec.OriginalEvent))
}

func TestNewRecordUniqueIDs(t *testing.T) {
	a := NewRecord(ReasonMergeError, "", nil)
	b := NewRecord(ReasonMergeError, "", nil)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestMemSinkCollects(t *testing.T) {
	sink := NewMemSink()
	ctx := context.Background()

	require.NoError(t, sink.Submit(ctx, NewRecord(ReasonTenantViolation, "cross-tenant edge", nil)))
	require.NoError(t, sink.Submit(ctx, NewRecord(ReasonMergeTimeout, "store unavailable", nil)))

	assert.Equal(t, uint64(2), sink.Count())

	records := sink.Records()
	require.Len(t, records, 2)
	assert.Equal(t, ReasonTenantViolation, records[0].Reason)
	assert.Equal(t, ReasonMergeTimeout, records[1].Reason)
}
