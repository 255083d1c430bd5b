package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// ErrNotFound is returned by FindByID when no document has the identifier.
var ErrNotFound = errors.New("document not found")

// Store is the document store contract shared by the authoritative and the
// local side of a reconciliation.
//
// All side effects are confined to the named collection. Implementations must
// be safe for concurrent use by multiple goroutines.
type Store interface {
	// ListAll enumerates every document of the collection. The sequence is lazy
	// and finite; each call starts a fresh enumeration. An enumeration failure
	// is yielded once as a non-nil error, after which the sequence stops.
	ListAll(ctx context.Context, collection string) iter.Seq2[Document, error]

	// FindByID returns the document with the identifier, or ErrNotFound.
	FindByID(ctx context.Context, collection string, id any) (Document, error)

	// UpsertByID replaces the document with the identifier, inserting it when
	// absent. It never creates a second document for the same identifier.
	UpsertByID(ctx context.Context, collection string, id any, doc Document) error

	// ReplaceCollection swaps the whole collection for docs. Readers observe
	// either the old or the new contents; an empty docs leaves the collection
	// empty.
	ReplaceCollection(ctx context.Context, collection string, docs []Document) error

	// Close releases connections held by the store.
	Close() error
}

// Connector acquires a store for the duration of one run. The caller owns the
// returned store and must Close it.
type Connector func(ctx context.Context) (Store, error)

// Options configure the backends opened by Dial.
type Options struct {
	// Database selects the database inside a MongoDB deployment.
	Database string
}

// Dial returns a Connector for the store URL. The scheme selects the backend:
// mongodb:// and mongodb+srv:// open MongoDB, sqlite:// and file: open SQLite.
func Dial(rawURL string, opts Options) (Connector, error) {
	rawURL = strings.TrimSpace(rawURL)
	switch {
	case rawURL == "":
		return nil, errors.New("store url is required")
	case strings.HasPrefix(rawURL, "mongodb://"), strings.HasPrefix(rawURL, "mongodb+srv://"):
		database := opts.Database
		if database == "" {
			database = DefaultDatabase
		}
		return func(ctx context.Context) (Store, error) {
			return OpenMongo(ctx, rawURL, database)
		}, nil
	case strings.HasPrefix(rawURL, "sqlite://"), strings.HasPrefix(rawURL, "file:"):
		path := strings.TrimPrefix(strings.TrimPrefix(rawURL, "sqlite://"), "file:")
		return func(ctx context.Context) (Store, error) {
			store, err := OpenSQLite(path)
			if err != nil {
				return nil, err
			}
			if err := store.Init(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
			return store, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported store url %q", redact(rawURL))
	}
}

// Static returns a Connector that always hands out store. Closing the handed
// out store does not close store itself.
func Static(store Store) Connector {
	return func(ctx context.Context) (Store, error) {
		return nopCloser{store}, nil
	}
}

type nopCloser struct {
	Store
}

func (nopCloser) Close() error { return nil }

// Collect drains a sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Document, error]) ([]Document, error) {
	docs := make([]Document, 0)
	for doc, err := range seq {
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func redact(rawURL string) string {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return rawURL
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}

func validateID(collection string, id any) error {
	if collection == "" {
		return errors.New("collection is required")
	}
	if IDKey(id) == "" {
		return fmt.Errorf("document id is required in %s", collection)
	}
	return nil
}
