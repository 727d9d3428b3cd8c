package ports

import "context"

// BlobStore persists opaque documents by key.
// Keys are slash-separated paths such as "logs/alice/1700000000000 abc.json".
type BlobStore interface {
	// Read returns the stored bytes.
	// Returns domain.ErrBlobNotFound if the key does not exist.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores data under key. A write must never be observable as partially applied.
	Write(ctx context.Context, key string, data []byte) error

	// List returns, sorted ascending, every key starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
