package watermark

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/natsclient"
)

// KVStore persists watermarks in a dedicated JetStream KV bucket, separate
// from the graph bucket so replays can rebuild the graph without losing
// dedup state.
type KVStore struct {
	kv *natsclient.KVStore
}

// NewKVStore wraps a KV bucket as a watermark store
func NewKVStore(kv *natsclient.KVStore) *KVStore {
	return &KVStore{kv: kv}
}

// Get returns the watermark for the identity, or ok=false if none exists
func (s *KVStore) Get(ctx context.Context, key string) (Watermark, bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return Watermark{}, false, nil
		}
		return Watermark{}, false, errors.WrapTransient(err, "WatermarkStore", "Get", "read watermark "+key)
	}

	var wm Watermark
	if err := json.Unmarshal(entry.Value, &wm); err != nil {
		return Watermark{}, false, errors.WrapFatal(err, "WatermarkStore", "Get", "decode watermark "+key)
	}
	return wm, true, nil
}

// Put records the watermark for the identity. Concurrent writers for the
// same identity never race because the ingest pipeline partitions by key,
// so last-writer-wins is safe here.
func (s *KVStore) Put(ctx context.Context, key string, wm Watermark) error {
	data, err := json.Marshal(wm)
	if err != nil {
		return errors.WrapFatal(err, "WatermarkStore", "Put", "encode watermark "+key)
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "WatermarkStore", "Put", "write watermark "+key)
	}
	return nil
}

// Close is a no-op; the underlying connection is owned by the caller
func (s *KVStore) Close() error {
	return nil
}
