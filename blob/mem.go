package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/aistore-edge/cachegate/cmn"
)

// InMemory is a concurrent map of key to bytes, for tests and small
// deployments.
type InMemory struct {
	name string
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Storage = (*InMemory)(nil)

func NewInMemory(name string) *InMemory {
	return &InMemory{name: name, data: make(map[string][]byte)}
}

func (m *InMemory) Name() string { return m.name }

func (m *InMemory) Persist(_ context.Context, key string, data cmn.CacheData) error {
	var buf []byte
	switch data.Kind {
	case cmn.KindText:
		buf = []byte(data.Text)
	case cmn.KindBytes:
		buf = data.Bytes
	case cmn.KindStream:
		var err error
		buf, err = io.ReadAll(data.Reader)
		if err != nil {
			return err
		}
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)

	m.mu.Lock()
	m.data[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *InMemory) Read(_ context.Context, key string) (cmn.CacheData, error) {
	m.mu.RLock()
	buf, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return cmn.CacheData{}, cmn.ErrNotFound
	}
	return cmn.NewStreamData(io.NopCloser(bytes.NewReader(buf)), int64(len(buf))), nil
}

func (m *InMemory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return cmn.ErrNotFound
	}
	delete(m.data, key)
	return nil
}
