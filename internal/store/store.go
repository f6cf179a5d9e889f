// Package store defines the durable object-store contract the slowest cache
// level writes through to, plus a filesystem implementation.
package store

import "context"

// ObjectStore is the durable blob interface. The engine assumes it is
// reliable; transient I/O failures surface as StorageError conditions at the
// cache layer.
type ObjectStore interface {
	// Put stores bytes under key and returns the storage location.
	Put(ctx context.Context, key string, data []byte) (location string, err error)

	// Get retrieves the bytes at a location previously returned by Put.
	Get(ctx context.Context, location string) ([]byte, error)

	// Delete removes the object at location. Deleting a missing object is
	// not an error.
	Delete(ctx context.Context, location string) error
}
