package interfaces

import (
	"context"
	"io"
)

// BlobRef identifies a stored blob.
type BlobRef struct {
	Key  string
	Size int64
}

// StorageService is the durable blob store for raw messages and
// attachments. Keys are namespaced connector/mailbox/identifier.
type StorageService interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) (*BlobRef, error)
	Get(ctx context.Context, key string) ([]byte, error)
	GetStream(ctx context.Context, key string) (io.ReadCloser, int64, string, error)
	Delete(ctx context.Context, key string) error
}
