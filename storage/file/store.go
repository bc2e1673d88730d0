package file

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

var ErrValueWithNewline = errors.New("value cannot contain newline")

// FileLog is a storage.Log backed by one append-only file per key.
// Values are stored one per line, so they must not contain newlines
// (JSON-encoded values never do).
type FileLog struct {
	mx  *sync.Mutex
	dir string
}

func NewFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileLog{
		mx:  &sync.Mutex{},
		dir: dir,
	}, nil
}

func (fl *FileLog) Append(_ context.Context, key string, value []byte) error {
	if bytes.IndexByte(value, '\n') >= 0 {
		return ErrValueWithNewline
	}
	fl.mx.Lock()
	defer fl.mx.Unlock()

	f, err := os.OpenFile(fl.path(key), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err = f.Write(append(value, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (fl *FileLog) ReadAll(_ context.Context, key string) ([][]byte, error) {
	fl.mx.Lock()
	defer fl.mx.Unlock()

	b, err := os.ReadFile(fl.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out [][]byte
	for _, line := range bytes.Split(b, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	return out, nil
}

func (fl *FileLog) Clear(_ context.Context, key string) error {
	fl.mx.Lock()
	defer fl.mx.Unlock()

	if err := os.Remove(fl.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (fl *FileLog) path(key string) string {
	return filepath.Join(fl.dir, url.PathEscape(key)+".log")
}
