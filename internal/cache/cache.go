// Package cache keeps content-addressed blobs for the lifetime of whoever owns
// the Store: agent builds shipped to bastions, digests of large payloads.
// There is no process-wide instance.
package cache

import (
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Key addresses cached content by its blake2b-256 hash.
type Key [blake2b.Size256]byte

// KeyOf hashes parts in order. Each part is length-prefixed so that
// ("ab","c") and ("a","bc") differ.
func KeyOf(parts ...[]byte) Key {
	h, _ := blake2b.New256(nil)
	var lenBuf [8]byte
	for _, p := range parts {
		n := uint64(len(p))
		for i := range lenBuf {
			lenBuf[i] = byte(n >> (56 - 8*i))
		}
		h.Write(lenBuf[:])
		h.Write(p)
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

const (
	BucketDigests = "digests"
	BucketAgents  = "agents"
)

type Store interface {
	Get(bucket string, k Key) ([]byte, bool, error)
	Put(bucket string, k Key, v []byte) error
	Close() error
}

// Memory is a Store that lives as long as the value does.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[Key][]byte
}

func NewMemory() *Memory {
	return &Memory{buckets: map[string]map[Key][]byte{}}
}

func (m *Memory) Get(bucket string, k Key) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.buckets[bucket][k]
	return v, ok, nil
}

func (m *Memory) Put(bucket string, k Key, v []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = map[Key][]byte{}
		m.buckets[bucket] = b
	}
	b[k] = append([]byte(nil), v...)
	return nil
}

func (m *Memory) Close() error { return nil }
