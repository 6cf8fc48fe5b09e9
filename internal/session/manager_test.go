package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/gcs"
	"github.com/dvloznov/txsync/internal/monarch"
)

const testSecret = "JBSWY3DPEHPK3PXP"

var fixedNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

// mockAuthenticator is a test implementation of Authenticator.
type mockAuthenticator struct {
	LoginFunc func(ctx context.Context, req monarch.LoginRequest) (string, error)
	calls     []monarch.LoginRequest
}

func (m *mockAuthenticator) Login(ctx context.Context, req monarch.LoginRequest) (string, error) {
	m.calls = append(m.calls, req)
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, req)
	}
	return "fresh-token", nil
}

// memObjects is an in-memory gcs.ObjectStore.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects { return &memObjects{objects: map[string][]byte{}} }

func (m *memObjects) Upload(ctx context.Context, uri, filePath, contentType string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return m.Write(ctx, uri, data, contentType)
}

func (m *memObjects) Read(ctx context.Context, uri string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[uri]
	if !ok {
		return nil, gcs.ErrNotFound
	}
	return data, nil
}

func (m *memObjects) Write(ctx context.Context, uri string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[uri] = append([]byte(nil), data...)
	return nil
}

func (m *memObjects) Delete(ctx context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[uri]; !ok {
		return gcs.ErrNotFound
	}
	delete(m.objects, uri)
	return nil
}

func testCred() config.Credential {
	return config.Credential{Email: "jane@example.com", Password: "pw", MFASecret: testSecret}
}

func TestAcquire_LogsInOnceAndCaches(t *testing.T) {
	ctx := context.Background()
	auth := &mockAuthenticator{}
	store := NewMemoryStore()
	m := NewManager(testCred(), auth, store, WithClock(func() time.Time { return fixedNow }))

	s1, err := m.Acquire(ctx)
	require.NoError(t, err)
	s2, err := m.Acquire(ctx)
	require.NoError(t, err)

	assert.Equal(t, "fresh-token", s1.Token)
	assert.Same(t, s1, s2)
	require.Len(t, auth.calls, 1)

	want, err := totp.GenerateCode(testSecret, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, want, auth.calls[0].TOTP)
	assert.Equal(t, "jane@example.com", auth.calls[0].Email)

	cached, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", cached.Token)
	assert.Equal(t, fixedNow, cached.CreatedAt)
}

func TestAcquire_ReusesStoredSessionWithoutLogin(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, &Session{Token: "cached", CreatedAt: fixedNow}))

	auth := &mockAuthenticator{}
	m := NewManager(testCred(), auth, store)

	s, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cached", s.Token)
	assert.Empty(t, auth.calls)
}

func TestAcquire_CorruptArtifactFallsThroughToLogin(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	auth := &mockAuthenticator{}
	m := NewManager(testCred(), auth, NewFileStore(path))

	s, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", s.Token)
	assert.Len(t, auth.calls, 1)

	stored, err := NewFileStore(path).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", stored.Token)
}

func TestInvalidateAndReauthenticate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, &Session{Token: "stale"}))

	auth := &mockAuthenticator{}
	m := NewManager(testCred(), auth, store)

	s, err := m.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, "stale", s.Token)

	s, err = m.InvalidateAndReauthenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", s.Token)
	assert.Equal(t, "fresh-token", m.Current().Token)

	cached, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", cached.Token)
}

func TestLogin_MissingSecondFactorIsConfigError(t *testing.T) {
	cred := testCred()
	cred.MFASecret = "  "
	auth := &mockAuthenticator{}
	m := NewManager(cred, auth, NewMemoryStore())

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, ErrMissingSecondFactor)
	assert.True(t, config.IsConfigError(err))
	assert.Empty(t, auth.calls, "no network call without a second factor")
}

func TestLogin_MalformedSecretIsConfigError(t *testing.T) {
	cred := testCred()
	cred.MFASecret = "not base32 !!"
	m := NewManager(cred, &mockAuthenticator{}, NewMemoryStore())

	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

func TestLogin_SecretIsNormalized(t *testing.T) {
	cred := testCred()
	cred.MFASecret = "jbsw y3dp ehpk 3pxp"
	auth := &mockAuthenticator{}
	m := NewManager(cred, auth, NewMemoryStore(), WithClock(func() time.Time { return fixedNow }))

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	want, _ := totp.GenerateCode(testSecret, fixedNow)
	assert.Equal(t, want, auth.calls[0].TOTP)
}

func TestLogin_FailurePropagatesAndIsNotCached(t *testing.T) {
	ctx := context.Background()
	loginErr := &monarch.Error{Kind: monarch.KindAuthorization, Op: "Login", StatusCode: 403}
	auth := &mockAuthenticator{LoginFunc: func(ctx context.Context, req monarch.LoginRequest) (string, error) {
		return "", loginErr
	}}
	store := NewMemoryStore()
	m := NewManager(testCred(), auth, store)

	_, err := m.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, loginErr))
	assert.Nil(t, m.Current())

	_, err = store.Get(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(testCred(), &mockAuthenticator{}, store)
	_, err := m.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Logout(ctx))
	assert.Nil(t, m.Current())
	_, err = store.Get(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ".mm", "session.json")
	fs := NewFileStore(path)

	_, err := fs.Get(ctx)
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, fs.Put(ctx, &Session{Token: "abc", CreatedAt: fixedNow}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	s, err := fs.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", s.Token)

	require.NoError(t, fs.Clear(ctx))
	require.NoError(t, fs.Clear(ctx), "clearing twice is fine")
	_, err = fs.Get(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestFileStore_EmptyTokenIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"token":""}`), 0o600))

	_, err := NewFileStore(path).Get(context.Background())
	assert.ErrorIs(t, err, ErrCorruptSession)
}

func TestGCSStore(t *testing.T) {
	ctx := context.Background()
	objects := newMemObjects()
	gs := NewGCSStore(objects, "gs://bucket/txsync/session.json")

	_, err := gs.Get(ctx)
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, gs.Put(ctx, &Session{Token: "remote"}))
	s, err := gs.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "remote", s.Token)

	require.NoError(t, gs.Clear(ctx))
	require.NoError(t, gs.Clear(ctx))
	_, err = gs.Get(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}
