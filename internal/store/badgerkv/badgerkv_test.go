package badgerkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestFieldsRoundTrip verifies per-field writes are read back together.
func TestFieldsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	require.NoError(t, s.SaveField(ctx, "s1", "session", []byte(`{"a":1}`)))
	require.NoError(t, s.SaveField(ctx, "s1", "difficulty", []byte(`{"b":2}`)))
	require.NoError(t, s.SaveField(ctx, "s10", "session", []byte(`{"other":true}`)))
	require.NoError(t, s.SaveField(ctx, "s1", "session", []byte(`{"a":3}`)))

	fields, err := s.LoadFields(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"session":    []byte(`{"a":3}`),
		"difficulty": []byte(`{"b":2}`),
	}, fields)
}

// TestUnknownSession verifies absent sessions load as nil without error.
func TestUnknownSession(t *testing.T) {
	s := openInMemory(t)
	fields, err := s.LoadFields(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, fields)
}

// TestDeleteSession verifies delete removes only the named session.
func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	require.NoError(t, s.SaveField(ctx, "s1", "session", []byte("x")))
	require.NoError(t, s.SaveField(ctx, "s1", "scores", []byte("y")))
	require.NoError(t, s.SaveField(ctx, "s2", "session", []byte("z")))

	require.NoError(t, s.DeleteSession(ctx, "s1"))

	fields, err := s.LoadFields(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, fields)

	fields, err = s.LoadFields(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, fields, 1)
}

// TestCancelledContext verifies operations refuse a cancelled context.
func TestCancelledContext(t *testing.T) {
	s := openInMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.SaveField(ctx, "s1", "session", []byte("x")), context.Canceled)
	_, err := s.LoadFields(ctx, "s1")
	assert.ErrorIs(t, err, context.Canceled)
}

// TestOpenRequiresPath verifies a persistent store needs a directory.
func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

// TestPersistence verifies data survives a reopen.
func TestPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.SaveField(ctx, "s1", "session", []byte("persisted")))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	fields, err := s.LoadFields(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), fields["session"])
}
