package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dvloznov/txsync/internal/gcs"
)

var (
	// ErrNoSession means no artifact is cached.
	ErrNoSession = errors.New("session: no cached session")
	// ErrCorruptSession means an artifact exists but cannot be used.
	ErrCorruptSession = errors.New("session: cached session is corrupt")
)

// Session is an opaque authenticated token plus when it was obtained.
type Session struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore persists at most one session between runs.
type SessionStore interface {
	Get(ctx context.Context) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Clear(ctx context.Context) error
}

func decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	if s.Token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrCorruptSession)
	}
	return &s, nil
}

// FileStore keeps the artifact at a fixed local path, readable only by the
// owner.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Get(ctx context.Context) (*Session, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	return decode(data)
}

func (f *FileStore) Put(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("FileStore.Put: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("FileStore.Put: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("FileStore.Put: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("FileStore.Put: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("FileStore.Put: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("FileStore.Put: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("FileStore.Put: rename: %w", err)
	}
	return nil
}

func (f *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("FileStore.Clear: %w", err)
	}
	return nil
}

// GCSStore keeps the artifact as a single object so that ephemeral workers
// can share one session.
type GCSStore struct {
	objects gcs.ObjectStore
	uri     string
}

func NewGCSStore(objects gcs.ObjectStore, uri string) *GCSStore {
	return &GCSStore{objects: objects, uri: uri}
}

func (g *GCSStore) Get(ctx context.Context) (*Session, error) {
	data, err := g.objects.Read(ctx, g.uri)
	if err != nil {
		if errors.Is(err, gcs.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("GCSStore.Get: %w", err)
	}
	return decode(data)
}

func (g *GCSStore) Put(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("GCSStore.Put: encode: %w", err)
	}
	if err := g.objects.Write(ctx, g.uri, data, "application/json"); err != nil {
		return fmt.Errorf("GCSStore.Put: %w", err)
	}
	return nil
}

func (g *GCSStore) Clear(ctx context.Context) error {
	if err := g.objects.Delete(ctx, g.uri); err != nil && !errors.Is(err, gcs.ErrNotFound) {
		return fmt.Errorf("GCSStore.Clear: %w", err)
	}
	return nil
}

// MemoryStore holds the session for the life of the process.
type MemoryStore struct {
	mu sync.Mutex
	s  *Session
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Get(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return nil, ErrNoSession
	}
	cp := *m.s
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.s = &cp
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = nil
	return nil
}
