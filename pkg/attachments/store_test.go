package attachments

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ok, err := s.Exists(ctx, "doc.pdf")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "doc.pdf", strings.NewReader("hello"), 5, "application/pdf"))

	rc, size, err := s.Open(ctx, "doc.pdf")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), size)

	require.NoError(t, s.Delete(ctx, "doc.pdf"))
	require.NoError(t, s.Delete(ctx, "doc.pdf"))

	_, _, err = s.Open(ctx, "doc.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_ShortWrite(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	err = s.Put(context.Background(), "x", strings.NewReader("abc"), 10, "")
	assert.Error(t, err)

	ok, err := s.Exists(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_CancelledContext(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Put(ctx, "x", strings.NewReader("abc"), 3, ""))
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"a", "photo_1.jpg", "0b7f-11ee.webp", "A.B.C"} {
		assert.NoError(t, ValidateID(id), id)
	}
	for _, id := range []string{"", "..", "a..b", "a/b", `a\b`, "ü.jpg", strings.Repeat("x", 256)} {
		assert.ErrorIs(t, ValidateID(id), ErrInvalidID, id)
	}
}

func TestNewBlobStore_Default(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBlobStore(context.Background(), StoreConfig{DataDir: dir})
	require.NoError(t, err)

	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, filepath.Join(dir, "attachments"), fs.baseDir)
}

func TestNewBlobStore_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewBlobStore(ctx, StoreConfig{Type: StoreTypeS3})
	assert.ErrorContains(t, err, "ATTACHMENT_S3_BUCKET")

	_, err = NewBlobStore(ctx, StoreConfig{Type: StoreTypeGCS})
	assert.ErrorContains(t, err, "ATTACHMENT_GCS_BUCKET")

	_, err = NewBlobStore(ctx, StoreConfig{Type: "ftp"})
	assert.ErrorContains(t, err, "unsupported")
}
