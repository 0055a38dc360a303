package backfill

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgic/graphsync/graph"
)

func TestFileSourceChunksRecords(t *testing.T) {
	dir := t.TempDir()
	content := `{"id":"a"}` + "\n" + `{"id":"b"}` + "\n\n" + `{"id":"c"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "property.ndjson"), []byte(content), 0o600))

	source := NewFileSource(dir)
	ctx := context.Background()

	count, err := source.Count(ctx, graph.TypeProperty)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	first, err := source.Chunk(ctx, graph.TypeProperty, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, `{"id":"a"}`, string(first[0]))

	rest, err := source.Chunk(ctx, graph.TypeProperty, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, `{"id":"c"}`, string(rest[0]))

	done, err := source.Chunk(ctx, graph.TypeProperty, 3, 2)
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestFileSourceMissingFileIsEmpty(t *testing.T) {
	source := NewFileSource(t.TempDir())

	count, err := source.Count(context.Background(), graph.TypeVendor)
	require.NoError(t, err)
	assert.Zero(t, count)
}
