package storage

import (
	"context"
	"iter"
	"sync"
)

// MemoryStore keeps collections in process memory. It backs tests and local
// development runs.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	order []string
	docs  map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memoryCollection)}
}

func (s *MemoryStore) ListAll(ctx context.Context, collection string) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		for _, doc := range s.snapshot(collection) {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) FindByID(ctx context.Context, collection string, id any) (Document, error) {
	if err := validateID(collection, id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[collection]
	if !ok {
		return nil, ErrNotFound
	}
	doc, ok := coll.docs[IDKey(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) UpsertByID(ctx context.Context, collection string, id any, doc Document) error {
	if err := validateID(collection, id); err != nil {
		return err
	}
	stored := doc.Clone()
	if stored == nil {
		stored = Document{}
	}
	stored[IDField] = id

	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = &memoryCollection{docs: make(map[string]Document)}
		s.collections[collection] = coll
	}
	key := IDKey(id)
	if _, exists := coll.docs[key]; !exists {
		coll.order = append(coll.order, key)
	}
	coll.docs[key] = stored
	return nil
}

func (s *MemoryStore) ReplaceCollection(ctx context.Context, collection string, docs []Document) error {
	next := &memoryCollection{docs: make(map[string]Document, len(docs))}
	for _, doc := range docs {
		if err := validateID(collection, doc.ID()); err != nil {
			return err
		}
		key := doc.Key()
		if _, exists := next.docs[key]; !exists {
			next.order = append(next.order, key)
		}
		next.docs[key] = doc.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[collection] = next
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) snapshot(collection string) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[collection]
	if !ok {
		return nil
	}
	docs := make([]Document, 0, len(coll.order))
	for _, key := range coll.order {
		docs = append(docs, coll.docs[key].Clone())
	}
	return docs
}
