// Package storage persists whole JSON documents by name.
//
// Every document is read once at startup and rewritten in full after each
// mutation; there are no partial updates.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Document names.
const (
	DocConfig   = "config"
	DocUsers    = "users"
	DocPlans    = "plans"
	DocChannels = "force_sub_channels"
	DocCounts   = "daily_message_counts"
	DocReceipts = "receipts"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("storage closed")

// Store reads and writes raw documents. Load returns nil data (and no error)
// when the document is absent or empty.
type Store interface {
	Load(name string) ([]byte, error)
	Save(name string, data []byte) error
	Close() error
}

// ReadJSON decodes document name into v. It reports false, leaving v
// untouched, when the document is absent or zero-length.
func ReadJSON(s Store, name string, v any) (bool, error) {
	data, err := s.Load(name)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// WriteJSON encodes v pretty-printed with non-ASCII and HTML characters kept
// verbatim and saves it as document name.
func WriteJSON(s Store, name string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := s.Save(name, buf.Bytes()); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// MemStore keeps documents in memory. It is used in tests and as a scratch
// backend.
type MemStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string][]byte)}
}

func (m *MemStore) Load(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.docs[name]...), nil
}

func (m *MemStore) Save(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = append([]byte(nil), data...)
	return nil
}

func (m *MemStore) Close() error { return nil }
