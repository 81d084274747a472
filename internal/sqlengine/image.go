package sqlengine

import (
	"context"
	"fmt"

	"github.com/roach88/omnistore/internal/kvstore"
	"github.com/roach88/omnistore/internal/syncstore"
)

// DefaultImageKey is the fixed key the database image is stored under.
const DefaultImageKey = "omnistore-sqlite.db"

// ImageStore holds the persisted database image as one atomic record.
type ImageStore interface {
	// LoadImage returns the stored image. ok is false when none exists.
	LoadImage(ctx context.Context) (image []byte, ok bool, err error)

	// SaveImage overwrites the stored image.
	SaveImage(ctx context.Context, image []byte) error
}

// KVImageStore keeps the image in the async KV store.
// The database is opened through the registry for each call, so a handle
// already held elsewhere in the process is reused.
type KVImageStore struct {
	Registry *kvstore.Registry
	Options  kvstore.Options
	Key      string
}

// NewKVImageStore returns an image store under DefaultImageKey.
func NewKVImageStore(reg *kvstore.Registry, opts kvstore.Options) *KVImageStore {
	return &KVImageStore{Registry: reg, Options: opts, Key: DefaultImageKey}
}

func (s *KVImageStore) key() string {
	if s.Key == "" {
		return DefaultImageKey
	}
	return s.Key
}

func (s *KVImageStore) registry() *kvstore.Registry {
	if s.Registry == nil {
		return kvstore.DefaultRegistry()
	}
	return s.Registry
}

// LoadImage implements ImageStore.
func (s *KVImageStore) LoadImage(ctx context.Context) ([]byte, bool, error) {
	h, err := s.registry().Open(ctx, s.Options)
	if err != nil {
		return nil, false, err
	}
	defer h.Release()
	return h.Get(ctx, s.key())
}

// SaveImage implements ImageStore.
func (s *KVImageStore) SaveImage(ctx context.Context, image []byte) error {
	h, err := s.registry().Open(ctx, s.Options)
	if err != nil {
		return err
	}
	defer h.Release()
	return h.Put(ctx, s.key(), image)
}

// SharedImageStore keeps the image in a synchronous store as a JSON array
// of byte values. This is the layout older profiles were written with; it
// is kept so those images can still be read and written. Synchronous
// stores are small, so new profiles should use KVImageStore.
type SharedImageStore struct {
	Adapter *syncstore.Adapter
	Key     string
}

func (s *SharedImageStore) key() string {
	if s.Key == "" {
		return DefaultImageKey
	}
	return s.Key
}

// LoadImage implements ImageStore.
func (s *SharedImageStore) LoadImage(_ context.Context) ([]byte, bool, error) {
	values, err := syncstore.Load[[]int](s.Adapter, s.key(), nil)
	if err != nil {
		return nil, false, err
	}
	if values == nil {
		return nil, false, nil
	}

	image := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, false, fmt.Errorf("image byte %d out of range: %d", i, v)
		}
		image[i] = byte(v)
	}
	return image, true, nil
}

// SaveImage implements ImageStore.
func (s *SharedImageStore) SaveImage(_ context.Context, image []byte) error {
	values := make([]int, len(image))
	for i, b := range image {
		values[i] = int(b)
	}
	// []byte would encode as base64; the legacy layout is a number array.
	return s.Adapter.Write(s.key(), values)
}
