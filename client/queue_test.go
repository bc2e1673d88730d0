package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/wirebus/wirebus/storage"
	"github.com/wirebus/wirebus/storage/memory"
)

func newTestQueue(log storage.Log) *queue {
	logger := zerolog.New(io.Discard)
	return newQueue(&logger, log, "test-queue")
}

// instantSubmit settles every request immediately and records order.
func instantSubmit(order *[]string) func(string, json.RawMessage) (<-chan outcome, error) {
	return func(route string, _ json.RawMessage) (<-chan outcome, error) {
		*order = append(*order, route)
		ch := make(chan outcome, 1)
		ch <- outcome{data: json.RawMessage(`"ok"`)}
		return ch, nil
	}
}

func TestQueueFlushFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(memory.NewMemLog())

	for _, route := range []string{"first", "second", "third"} {
		q.enqueue(ctx, route, nil, false)
	}

	var order []string
	q.flush(ctx, instantSubmit(&order))

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("flush order = %v", order)
	}
	if q.len() != 0 {
		t.Errorf("queue length = %d after flush", q.len())
	}
}

func TestQueueLiveDeferredForwarded(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(nil)

	done := q.enqueue(ctx, "r", json.RawMessage(`{"n":1}`), true)

	var order []string
	q.flush(ctx, instantSubmit(&order))

	out := <-done
	if out.err != nil {
		t.Fatalf("deferred settled with error: %v", out.err)
	}
	if string(out.data) != `"ok"` {
		t.Errorf("data = %s", out.data)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	log := memory.NewMemLog()

	q := newTestQueue(log)
	q.enqueue(ctx, "one", json.RawMessage(`1`), true)
	q.enqueue(ctx, "two", json.RawMessage(`2`), true)

	// a fresh queue over the same store models a process restart:
	// entries come back without their deferred
	restarted := newTestQueue(log)
	restarted.load(ctx)
	if restarted.len() != 2 {
		t.Fatalf("restored %d entries, want 2", restarted.len())
	}

	var order []string
	restarted.flush(ctx, instantSubmit(&order))
	if len(order) != 2 || order[0] != "one" || order[1] != "two" {
		t.Fatalf("replay order = %v", order)
	}

	// full drain clears the durable mirror
	vals, err := log.ReadAll(ctx, "test-queue")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(vals) != 0 {
		t.Errorf("store still holds %d entries after drain", len(vals))
	}
}

func TestQueuePersistedAheadOfLive(t *testing.T) {
	ctx := context.Background()
	log := memory.NewMemLog()

	old := newTestQueue(log)
	old.enqueue(ctx, "persisted", nil, true)

	q := newTestQueue(log)
	q.enqueue(ctx, "live", nil, true)
	q.load(ctx)

	var order []string
	q.flush(ctx, instantSubmit(&order))
	if len(order) != 2 || order[0] != "persisted" || order[1] != "live" {
		t.Fatalf("flush order = %v, persisted entries must go first", order)
	}
}

func TestQueueFlushStopsOnDisconnect(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(memory.NewMemLog())

	q.enqueue(ctx, "a", nil, false)
	q.enqueue(ctx, "b", nil, false)
	q.enqueue(ctx, "c", nil, false)

	var order []string
	calls := 0
	q.flush(ctx, func(route string, _ json.RawMessage) (<-chan outcome, error) {
		calls++
		if calls > 1 {
			return nil, ErrNotConnected
		}
		order = append(order, route)
		ch := make(chan outcome, 1)
		ch <- outcome{}
		return ch, nil
	})

	if q.len() != 2 {
		t.Fatalf("queue length = %d, want 2 remaining after interrupted flush", q.len())
	}

	// next flush resumes from the current head
	q.flush(ctx, instantSubmit(&order))
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order across flushes = %v", order)
	}
}

// readFailOnceLog delegates to a real store but fails the first
// ReadAll, modeling a store that is unreachable at startup.
type readFailOnceLog struct {
	inner  *memory.MemLog
	failed bool
}

func (l *readFailOnceLog) Append(ctx context.Context, key string, value []byte) error {
	return l.inner.Append(ctx, key, value)
}

func (l *readFailOnceLog) ReadAll(ctx context.Context, key string) ([][]byte, error) {
	if !l.failed {
		l.failed = true
		return nil, errors.New("store unreachable")
	}
	return l.inner.ReadAll(ctx, key)
}

func (l *readFailOnceLog) Clear(ctx context.Context, key string) error {
	return l.inner.Clear(ctx, key)
}

func TestQueueKeepsStoreWhenLoadFailed(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewMemLog()

	old := newTestQueue(inner)
	old.enqueue(ctx, "persisted", nil, true)

	// the restarted queue cannot read the store, it degrades and its
	// in-memory view is empty
	q := newTestQueue(&readFailOnceLog{inner: inner})
	q.load(ctx)
	if q.len() != 0 {
		t.Fatalf("degraded queue holds %d entries", q.len())
	}

	var order []string
	q.flush(ctx, instantSubmit(&order))

	// the never-read persisted entry must survive for a later process
	vals, err := inner.ReadAll(ctx, "test-queue")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(vals) != 1 {
		t.Fatalf("store holds %d entries, undelivered request destroyed", len(vals))
	}
}

func TestQueueLoadSkipsOwnMirroredEntries(t *testing.T) {
	ctx := context.Background()
	log := memory.NewMemLog()

	old := newTestQueue(log)
	old.enqueue(ctx, "persisted", nil, true)

	q := newTestQueue(log)
	q.enqueue(ctx, "live", nil, true)
	q.load(ctx)
	if q.len() != 2 {
		t.Fatalf("queue holds %d entries, want persisted + live exactly once", q.len())
	}

	var order []string
	q.flush(ctx, instantSubmit(&order))
	if len(order) != 2 || order[0] != "persisted" || order[1] != "live" {
		t.Fatalf("flush order = %v, live entry must not be delivered twice", order)
	}
}

type failingLog struct{}

func (failingLog) Append(context.Context, string, []byte) error { return errors.New("disk full") }
func (failingLog) ReadAll(context.Context, string) ([][]byte, error) {
	return nil, errors.New("disk gone")
}
func (failingLog) Clear(context.Context, string) error { return errors.New("disk full") }

func TestQueueDegradesOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(failingLog{})

	q.load(ctx)
	q.enqueue(ctx, "r", nil, false)
	if q.len() != 1 {
		t.Fatalf("entry lost on store failure, length = %d", q.len())
	}

	var order []string
	q.flush(ctx, instantSubmit(&order))
	if len(order) != 1 {
		t.Fatalf("degraded queue did not flush: %v", order)
	}
}
