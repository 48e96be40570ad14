package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/franz/dive-atlas/internal/util"
)

// MemoryStore is an in-process DocumentStore. It can be told to fail, which
// makes it the stand-in for an unreachable remote in tests.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Document
	failErr     error
	failLeft    int // remaining injected failures, -1 for always
	calls       int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]Document)}
}

// FailWith makes every following call fail with err until cleared with nil
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
	m.failLeft = -1
	if err == nil {
		m.failLeft = 0
	}
}

// FailNext makes the next n calls fail with err
func (m *MemoryStore) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
	m.failLeft = n
}

// Calls returns how many operations were attempted, including failed ones
func (m *MemoryStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Len returns the number of documents in a collection
func (m *MemoryStore) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

// begin must be called with the lock held
func (m *MemoryStore) begin(ctx context.Context) error {
	m.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failLeft == 0 || m.failErr == nil {
		return nil
	}
	if m.failLeft > 0 {
		m.failLeft--
	}
	return fmt.Errorf("%w: %w", util.ErrNetwork, m.failErr)
}

// Query returns matching documents
func (m *MemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx); err != nil {
		return nil, err
	}

	var docs []Document
	for _, d := range m.collections[q.Collection] {
		docs = append(docs, copyDoc(d))
	}
	if q.OrderBy == "" {
		q.OrderBy = "id"
	}
	return Apply(docs, q), nil
}

// Get returns one document
func (m *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx); err != nil {
		return nil, err
	}

	d, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, util.ErrNotFound)
	}
	return copyDoc(d), nil
}

// Upsert creates or replaces a document
func (m *MemoryStore) Upsert(ctx context.Context, collection, id string, doc Document) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx); err != nil {
		return err
	}

	c, ok := m.collections[collection]
	if !ok {
		c = make(map[string]Document)
		m.collections[collection] = c
	}
	d := copyDoc(doc)
	d["id"] = id
	c[id] = d
	return nil
}

// Delete removes a document
func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx); err != nil {
		return err
	}

	delete(m.collections[collection], id)
	return nil
}
