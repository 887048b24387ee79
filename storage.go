package gatekeep

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/gorder"
)

// DocumentStore persists named JSON documents (keyword configuration,
// trusted registry, blacklist, failure counters). Load returns ErrNotFound
// for a missing document; callers fall back to an empty default.
type DocumentStore interface {
	Load(ctx context.Context, name string, dest any) error
	Save(ctx context.Context, name string, doc any) error
}

// FileStore keeps each document as one JSON file in a directory.
// Saves are atomic (temp file + rename). A corrupt document is treated as
// missing so a damaged file cannot brick startup; the damage is logged.
type FileStore struct {
	dir string
	log Logger
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, log Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errm.New("data dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errm.Wrap(err, "create data dir")
	}
	return &FileStore{dir: dir, log: log}, nil
}

func (s *FileStore) Load(_ context.Context, name string, dest any) error {
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return errm.Wrap(err, "read document")
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		s.log.Warn("corrupt document, using empty default", "name", name, "error", err)
		return ErrNotFound
	}
	return nil
}

func (s *FileStore) Save(_ context.Context, name string, doc any) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errm.Wrap(err, "marshal document")
	}

	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errm.Wrap(err, "write document")
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		return errm.Wrap(err, "rename document")
	}
	return nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// AsyncStore wraps a DocumentStore with an ordered write queue: saves of the
// same document are applied in submission order, saves of different
// documents run in parallel. Failed saves are retried by the queue.
type AsyncStore struct {
	store DocumentStore
	queue *gorder.Gorder[string]
}

func NewAsyncStore(ctx context.Context, store DocumentStore, workers int) *AsyncStore {
	q := gorder.NewWithOptions[string](ctx, gorder.Options{
		Workers:         workers,
		ThrowOnShutdown: true,
		Retries:         10,
	})

	return &AsyncStore{
		store: store,
		queue: q,
	}
}

// Save queues a write of doc under name. doc must not be mutated after the
// call; pass a snapshot.
func (s *AsyncStore) Save(name string, doc any) {
	s.queue.Push(name, "save_"+name, func(ctx context.Context) error {
		return s.store.Save(ctx, name, doc)
	})
}

// Shutdown drains the queue.
func (s *AsyncStore) Shutdown(ctx context.Context) error {
	return s.queue.Shutdown(ctx)
}
