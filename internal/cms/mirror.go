package cms

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("cms: document not found")

// Document is one entity as written to the mirror.
type Document struct {
	Key    string         `json:"key"`
	Kind   Kind           `json:"kind"`
	Fields map[string]any `json:"fields"`
}

func (d Document) body() map[string]any {
	body := make(map[string]any, len(d.Fields)+3)
	for k, v := range d.Fields {
		body[k] = v
	}
	body["id"] = DocID(d.Key)
	body["key"] = d.Key
	body["kind"] = string(d.Kind)
	return body
}

// MemoryMirror keeps mirror documents in process. It stands in for the CMS
// when none is configured and in tests.
type MemoryMirror struct {
	mu   sync.Mutex
	docs map[string][]byte
	// Fail, when set, is returned by every write.
	Fail error
}

func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{docs: map[string][]byte{}}
}

func (m *MemoryMirror) Upsert(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	raw, err := json.Marshal(doc.body())
	if err != nil {
		return err
	}
	m.docs[DocID(doc.Key)] = raw
	return nil
}

func (m *MemoryMirror) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	delete(m.docs, DocID(key))
	return nil
}

func (m *MemoryMirror) Fetch(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.docs[DocID(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}

// Put stores a raw document under key, bypassing Fail. Tests use it to
// seed legacy documents.
func (m *MemoryMirror) Put(key string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[DocID(key)] = append([]byte(nil), raw...)
}

func (m *MemoryMirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}
