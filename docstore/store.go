package docstore

import (
	"context"
)

// Store is the document service. Implementations are safe for concurrent
// use.
type Store interface {
	// Get runs a one-shot query.
	Get(ctx context.Context, query Query) ([]Document, error)
	// Listen registers a live query. The returned function unsubscribes and
	// is idempotent.
	Listen(ctx context.Context, query Query, listener Listener) (func(), error)
	// Set creates or replaces a document.
	Set(ctx context.Context, path, id string, data interface{}) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, path, id string) error
	Close() error
}

func cloneDocuments(docs []Document) []Document {
	cloned := make([]Document, len(docs))
	for i, doc := range docs {
		cloned[i] = Document{ID: doc.ID, Data: cloneMap(doc.Data)}
	}
	return cloned
}

func cloneMap(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	cloned := make(map[string]interface{}, len(data))
	for key, value := range data {
		cloned[key] = cloneValue(value)
	}
	return cloned
}

func cloneValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return cloneMap(v)
	case []interface{}:
		cloned := make([]interface{}, len(v))
		for i, item := range v {
			cloned[i] = cloneValue(item)
		}
		return cloned
	}
	return value
}
