package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/jdziat/docpipe/pkg/core"
)

// DocumentReader returns the text of a stored document.
type DocumentReader interface {
	ReadDocument(ctx context.Context, id string) (string, error)
}

// StoreReader reads documents from a pipeline store. Inline content wins;
// otherwise the document's path is read from the local filesystem.
type StoreReader struct {
	Store interface {
		GetDocument(ctx context.Context, id string) (*core.Document, error)
	}
}

// ReadDocument implements DocumentReader.
func (r StoreReader) ReadDocument(ctx context.Context, id string) (string, error) {
	doc, err := r.Store.GetDocument(ctx, id)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", core.NotFound("document", id)
	}
	if doc.Content != "" || doc.Path == "" {
		return doc.Content, nil
	}
	b, err := os.ReadFile(doc.Path)
	if err != nil {
		return "", fmt.Errorf("read document %s: %w", id, err)
	}
	return string(b), nil
}
