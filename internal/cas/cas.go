// Package cas provides the BLAKE3 hash type used for node digests and
// impressions, and a content-addressable object store for impression manifests.
package cas

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"lukechampine.com/blake3"
)

// Hash represents a BLAKE3-256 hash value.
type Hash [32]byte

// String returns the hexadecimal representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex characters, for display.
func (h Hash) Short() string {
	return h.String()[:12]
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Compare orders hashes lexicographically by their bytes.
func (h Hash) Compare(o Hash) int {
	return bytes.Compare(h[:], o[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("invalid hash %q: want %d bytes, got %d", s, len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// SortHashes sorts hs in place in ascending byte order.
func SortHashes(hs []Hash) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].Compare(hs[j]) < 0 })
}

// SumB3 computes the BLAKE3 hash of the given data.
func SumB3(data []byte) Hash {
	return blake3.Sum256(data)
}

// ErrObjectNotFound is returned when a store has no object for a hash.
var ErrObjectNotFound = errors.New("object not found")

// CAS defines the content-addressable storage interface.
type CAS interface {
	// Put stores data keyed by its hash.
	Put(hash Hash, data []byte) error

	// Get retrieves data by its hash.
	Get(hash Hash) ([]byte, error)

	// Has checks if data exists for the given hash.
	Has(hash Hash) (bool, error)
}

// Sweeper is implemented by stores that can enumerate and delete objects.
// Garbage collection needs it.
type Sweeper interface {
	List() ([]Hash, error)
	Size(hash Hash) (int64, error)
	Delete(hash Hash) error
}

// MemoryCAS is a CAS held in process memory. It is safe for concurrent use.
type MemoryCAS struct {
	mu      sync.RWMutex
	objects map[Hash][]byte
}

var (
	_ CAS     = (*MemoryCAS)(nil)
	_ Sweeper = (*MemoryCAS)(nil)
)

func NewMemoryCAS() *MemoryCAS {
	return &MemoryCAS{objects: make(map[Hash][]byte)}
}

// Put implements CAS.Put. The first stored copy of an object is kept.
func (m *MemoryCAS) Put(hash Hash, data []byte) error {
	if sum := SumB3(data); sum != hash {
		return fmt.Errorf("hash mismatch: expected %s, got %s", hash, sum)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[hash]; !ok {
		m.objects[hash] = slices.Clone(data)
	}
	return nil
}

// Get implements CAS.Get.
func (m *MemoryCAS) Get(hash Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, hash)
	}
	return slices.Clone(data), nil
}

// Has implements CAS.Has.
func (m *MemoryCAS) Has(hash Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[hash]
	return ok, nil
}

// List implements Sweeper.List. Hashes are returned sorted.
func (m *MemoryCAS) List() ([]Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Hash, 0, len(m.objects))
	for h := range m.objects {
		out = append(out, h)
	}
	SortHashes(out)
	return out, nil
}

// Size implements Sweeper.Size.
func (m *MemoryCAS) Size(hash Hash) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[hash]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrObjectNotFound, hash)
	}
	return int64(len(data)), nil
}

// Delete implements Sweeper.Delete. Deleting a missing object is not an error.
func (m *MemoryCAS) Delete(hash Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, hash)
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryCAS) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
