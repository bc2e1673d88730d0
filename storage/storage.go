package storage

import "context"

// Log is an ordered durable append log partitioned by key. Values for a
// key are returned by ReadAll in the exact order they were appended,
// across process restarts. Implementations must treat values as opaque.
type Log interface {
	Append(ctx context.Context, key string, value []byte) error
	ReadAll(ctx context.Context, key string) ([][]byte, error)
	Clear(ctx context.Context, key string) error
}
