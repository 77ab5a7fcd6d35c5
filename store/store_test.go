package store

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-relay/model"

	relayerrors "github.com/dhcgn/mail-relay/errors"
)

type staticGuard bool

func (g staticGuard) HasHeadroom() bool { return bool(g) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 7 * 24 * time.Hour
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = 5 << 30
	}
	s, err := New(opts, staticGuard(true), nil)
	require.NoError(t, err)
	return s
}

func recordFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	return matches
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	content := model.Content{
		From:    "Steam <noreply@steampowered.com>",
		To:      "me@example.com",
		Subject: "Steam Guard Code",
		Date:    date,
		Text:    "Your Steam Guard Code is: 2DWGV",
		HTML:    "<p>Your Steam Guard Code is: 2DWGV</p>",
		Headers: map[string][]string{"X-Mailer": {"steam"}},
	}
	metadata := model.Metadata{From: content.From, Subject: content.Subject, Date: date}

	id, token, err := s.Store(ctx, content, metadata)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NotEmpty(t, token)

	got, err := s.Retrieve(ctx, id, token)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, metadata, got.Metadata)
	assert.False(t, got.StoredAt.IsZero())
}

func TestStore_RoundTripHeaders(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	id, token, err := s.Store(ctx, model.Content{Subject: "empty", Headers: map[string][]string{}}, model.Metadata{})
	require.NoError(t, err)
	got, err := s.Retrieve(ctx, id, token)
	require.NoError(t, err)
	assert.NotNil(t, got.Content.Headers)
	assert.Empty(t, got.Content.Headers)

	id, token, err = s.Store(ctx, model.Content{Subject: "absent"}, model.Metadata{})
	require.NoError(t, err)
	got, err = s.Retrieve(ctx, id, token)
	require.NoError(t, err)
	assert.Nil(t, got.Content.Headers)
}

func TestStore_EndToEnd(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	id, token, err := s.Store(ctx, model.Content{Subject: "Test"}, model.Metadata{})
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, id, token)
	require.NoError(t, err)
	assert.Equal(t, "Test", got.Metadata.Subject)

	_, err = s.Retrieve(ctx, id, "bad-token")
	assert.ErrorIs(t, err, relayerrors.ErrUnauthorized)

	_, err = s.Retrieve(ctx, "not-an-id", token)
	assert.ErrorIs(t, err, relayerrors.ErrNotFound)
}

func TestStore_RetrievePrecedence(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, token, err := s.Store(ctx, model.Content{Subject: "Test"}, model.Metadata{})
	require.NoError(t, err)

	tests := []struct {
		name  string
		id    string
		token string
	}{
		{name: "unknown uuid with valid token", id: uuid.NewString(), token: token},
		{name: "unknown uuid with empty token", id: uuid.NewString(), token: ""},
		{name: "malformed id", id: "non-existent", token: "invalid"},
		{name: "path traversal", id: "../" + filepath.Base(s.Dir()), token: token},
		{name: "upper-case uuid", id: "1B4E28BA-2FA1-41D2-883F-0016D3CCA427", token: token},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Retrieve(ctx, tt.id, tt.token)
			assert.ErrorIs(t, err, relayerrors.ErrNotFound)
		})
	}
}

func TestStore_MetadataNotOverwritten(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	id, token, err := s.Store(ctx, model.Content{Subject: "content subject", From: "a@example.com"}, model.Metadata{Subject: "meta subject"})
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, id, token)
	require.NoError(t, err)
	assert.Equal(t, "meta subject", got.Metadata.Subject)
	assert.Equal(t, "a@example.com", got.Metadata.From)
}

func TestStore_TokensAreUniqueAndHighEntropy(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	ids := make(map[string]bool)
	tokens := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, token, err := s.Store(ctx, model.Content{Subject: "x"}, model.Metadata{})
		require.NoError(t, err)

		raw, err := hex.DecodeString(token)
		require.NoError(t, err)
		assert.Len(t, raw, 16)

		assert.False(t, ids[id], "duplicate id")
		assert.False(t, tokens[token], "duplicate token")
		ids[id] = true
		tokens[token] = true
	}
}

func TestStore_InsufficientSpace(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Dir: dir, MaxAge: time.Hour, MaxSize: 1 << 20}, staticGuard(false), nil)
	require.NoError(t, err)

	_, _, err = s.Store(context.Background(), model.Content{Subject: "x"}, model.Metadata{})
	require.ErrorIs(t, err, relayerrors.ErrInsufficientSpace)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_RecordFileLayout(t *testing.T) {
	s := newTestStore(t, Options{})

	id, _, err := s.Store(context.Background(), model.Content{Subject: "x"}, model.Metadata{})
	require.NoError(t, err)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id+".json", entries[0].Name())

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_ConcurrentStores(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	type pair struct{ id, token string }
	results := make(chan pair, 32)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, token, err := s.Store(ctx, model.Content{Subject: "concurrent"}, model.Metadata{})
			if assert.NoError(t, err) {
				results <- pair{id, token}
			}
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for p := range results {
		got, err := s.Retrieve(ctx, p.id, p.token)
		require.NoError(t, err)
		assert.Equal(t, "concurrent", got.Metadata.Subject)
		count++
	}
	assert.Equal(t, 32, count)
	assert.Len(t, recordFiles(t, s.Dir()), 32)
}

func TestStore_Usage(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := s.Store(ctx, model.Content{Subject: "x"}, model.Metadata{})
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("ignored"), 0o600))

	count, total, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Positive(t, total)
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(Options{MaxSize: 1}, nil, nil)
	assert.ErrorIs(t, err, relayerrors.ErrStoreConfigInvalid)

	_, err = New(Options{Dir: t.TempDir(), MaxSize: 0}, nil, nil)
	assert.ErrorIs(t, err, relayerrors.ErrStoreConfigInvalid)

	_, err = New(Options{Dir: t.TempDir(), MaxSize: 1, MaxAge: -time.Second}, nil, nil)
	assert.ErrorIs(t, err, relayerrors.ErrStoreConfigInvalid)
}
