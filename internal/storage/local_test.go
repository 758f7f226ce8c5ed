package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestLocalUpload_ConflictsOnDuplicate(t *testing.T) {
	s := newLocal(t)
	ctx := t.Context()
	key := TempChunkKey("job-1", 0)

	require.NoError(t, s.Upload(ctx, key, strings.NewReader("first"), "video/mp4"))

	err := s.Upload(ctx, key, strings.NewReader("second"), "video/mp4")
	assert.ErrorIs(t, err, ErrObjectExists)

	// Overwrite replaces the content.
	require.NoError(t, s.Overwrite(ctx, key, strings.NewReader("second"), "video/mp4"))
	got, err := os.ReadFile(filepath.Join(s.Root(), key))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestLocalDelete_MissingIsNoError(t *testing.T) {
	s := newLocal(t)
	assert.NoError(t, s.Delete(t.Context(), "outputs/none/final.mp4"))
}

func TestLocalSignedURL(t *testing.T) {
	s := newLocal(t)
	ctx := t.Context()
	key := OutputFinalKey("gen-1")
	require.NoError(t, s.Upload(ctx, key, strings.NewReader("x"), "video/mp4"))

	url, err := s.SignedURL(ctx, key, SignedURLTTL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
	assert.Contains(t, url, "expires=")

	_, err = s.SignedURL(ctx, "outputs/none/final.mp4", SignedURLTTL)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalRejectsTraversal(t *testing.T) {
	s := newLocal(t)
	err := s.Upload(t.Context(), "../escape.mp4", strings.NewReader("x"), "video/mp4")
	assert.Error(t, err)
}

func TestPut_RecoversFromDuplicate(t *testing.T) {
	s := newLocal(t)
	ctx := t.Context()
	key := OutputChunkKey("gen-1", 2)

	require.NoError(t, Put(ctx, s, key, []byte("one"), "video/mp4"))
	require.NoError(t, Put(ctx, s, key, []byte("two"), "video/mp4"))

	got, err := os.ReadFile(filepath.Join(s.Root(), key))
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

// failingOverwrite forces Put down the delete-and-reupload path.
type failingOverwrite struct {
	*LocalStore
}

func (s *failingOverwrite) Overwrite(_ context.Context, _ string, _ io.Reader, _ string) error {
	return assert.AnError
}

func TestPut_DeleteAndReupload(t *testing.T) {
	local := newLocal(t)
	ctx := t.Context()
	key := OutputChunkKey("gen-1", 3)
	require.NoError(t, local.Upload(ctx, key, bytes.NewReader([]byte("one")), "video/mp4"))

	s := &failingOverwrite{LocalStore: local}
	require.NoError(t, Put(ctx, s, key, []byte("two"), "video/mp4"))

	got, err := os.ReadFile(filepath.Join(local.Root(), key))
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "inputs/gen-1/video.mp4", InputKey("gen-1", "video.mp4"))
	assert.Equal(t, "temp_chunks/job-1/chunk_002.mp4", TempChunkKey("job-1", 2))
	assert.Equal(t, "outputs/gen-1/chunk_000.mp4", OutputChunkKey("gen-1", 0))
	assert.Equal(t, "outputs/gen-1/final.mp4", OutputFinalKey("gen-1"))
	assert.Equal(t, "chunk_previews/gen-1/req-1/chunk_1_video.mp4",
		PreviewKey("gen-1", "req-1", "chunk_1_video.mp4"))
}
