package backfill

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/graph"
)

// FileSource reads snapshot exports from a directory of newline-delimited
// JSON files, one file per entity type named "<type>.ndjson". A missing file
// means the export contains no entities of that type.
type FileSource struct {
	dir string

	mu    sync.Mutex
	lines map[graph.EntityType][][]byte
}

// NewFileSource creates a source over a snapshot directory
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir, lines: make(map[graph.EntityType][][]byte)}
}

func (f *FileSource) load(entityType graph.EntityType) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if lines, ok := f.lines[entityType]; ok {
		return lines, nil
	}

	path := filepath.Join(f.dir, string(entityType)+".ndjson")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			f.lines[entityType] = nil
			return nil, nil
		}
		return nil, errors.WrapFatal(err, "FileSource", "load", "open "+path)
	}
	defer file.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		record := make([]byte, len(line))
		copy(record, line)
		lines = append(lines, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapFatal(err, "FileSource", "load", "scan "+path)
	}

	f.lines[entityType] = lines
	return lines, nil
}

// Chunk returns one batch of raw snapshot records
func (f *FileSource) Chunk(_ context.Context, entityType graph.EntityType, offset, limit int) ([][]byte, error) {
	lines, err := f.load(entityType)
	if err != nil {
		return nil, err
	}
	if offset >= len(lines) {
		return nil, nil
	}
	end := offset + limit
	if end > len(lines) {
		end = len(lines)
	}
	return lines[offset:end], nil
}

// Count reports the number of records for an entity type
func (f *FileSource) Count(_ context.Context, entityType graph.EntityType) (int, error) {
	lines, err := f.load(entityType)
	if err != nil {
		return -1, err
	}
	return len(lines), nil
}
