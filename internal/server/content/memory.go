package content

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"rammingen-go/internal/proto"
)

// Memory is an in-memory Store. Use in tests.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(hash proto.ContentHash, r io.Reader) (bool, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return false, fmt.Errorf("reading blob: %w", err)
	}
	sum := sha256.Sum256(data)
	if actual := proto.ContentHash(sum[:]); !actual.Equal(hash) {
		return false, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, hash.Hex(), actual.Hex())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[hash.Hex()]; ok {
		return true, nil
	}
	m.blobs[hash.Hex()] = data
	return false, nil
}

func (m *Memory) Open(hash proto.ContentHash) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[hash.Hex()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Exists(hash proto.ContentHash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[hash.Hex()]
	return ok, nil
}

func (m *Memory) Delete(hash proto.ContentHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, hash.Hex())
	return nil
}

func (m *Memory) Size(hash proto.ContentHash) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[hash.Hex()]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
	}
	return int64(len(data)), nil
}

func (m *Memory) AvailableSpace() (uint64, error) { return 0, nil }

func (m *Memory) Hashes() ([]proto.ContentHash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hashes := make([]proto.ContentHash, 0, len(m.blobs))
	for hex := range m.blobs {
		hash, err := proto.ContentHashFromHex(hex)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}
