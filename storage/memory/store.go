package memory

import (
	"context"
	"sync"
)

// MemLog is an in-memory storage.Log. Values do not survive process
// restart, it exists for tests and for running without durability.
type MemLog struct {
	mx *sync.Mutex
	db map[string][][]byte
}

func NewMemLog() *MemLog {
	return &MemLog{
		mx: &sync.Mutex{},
		db: make(map[string][][]byte),
	}
}

func (ml *MemLog) Append(_ context.Context, key string, value []byte) error {
	ml.mx.Lock()
	defer ml.mx.Unlock()

	ml.db[key] = append(ml.db[key], append([]byte(nil), value...))
	return nil
}

func (ml *MemLog) ReadAll(_ context.Context, key string) ([][]byte, error) {
	ml.mx.Lock()
	defer ml.mx.Unlock()

	vals, ok := ml.db[key]
	if !ok {
		return nil, nil
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = append([]byte(nil), v...)
	}
	return out, nil
}

func (ml *MemLog) Clear(_ context.Context, key string) error {
	ml.mx.Lock()
	defer ml.mx.Unlock()

	delete(ml.db, key)
	return nil
}
