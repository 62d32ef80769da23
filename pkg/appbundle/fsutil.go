package appbundle

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/OpenDataEnsemble/synkronus/pkg/bundle"
)

// ctxReader fails reads once ctx is done so an abandoned transfer stops.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type ctxReadCloser struct {
	ctxReader
	c io.Closer
}

func (c *ctxReadCloser) Close() error { return c.c.Close() }

func newCtxReadCloser(ctx context.Context, rc io.ReadCloser) io.ReadCloser {
	return &ctxReadCloser{ctxReader: ctxReader{ctx: ctx, r: rc}, c: rc}
}

// within reports whether target is root or below it.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// extractArchive writes every regular entry of zr below dest. Entries whose
// names do not normalize (traversal, absolute) are skipped. limit caps the
// total number of uncompressed bytes written.
func extractArchive(ctx context.Context, zr *zip.Reader, dest string, limit int64, logger *slog.Logger) error {
	//nolint:gosec // G301: bundle files are served to clients
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	var written int64
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, isDir, err := bundle.NormalizeEntryName(f.Name)
		if err != nil || name == "" {
			if err != nil {
				logger.WarnContext(ctx, "skipping unsafe archive entry", "entry", f.Name, "error", err)
			}
			continue
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			logger.WarnContext(ctx, "skipping symlink archive entry", "entry", f.Name)
			continue
		}

		target := filepath.Join(dest, filepath.FromSlash(name))
		if !within(dest, target) {
			logger.WarnContext(ctx, "skipping archive entry outside destination", "entry", f.Name)
			continue
		}

		if isDir {
			//nolint:gosec // G301: bundle files are served to clients
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}

		//nolint:gosec // G301: bundle files are served to clients
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		n, err := extractFile(ctx, f, target, limit-written)
		if err != nil {
			return fmt.Errorf("extract %s: %w", name, err)
		}
		written += n
	}
	return nil
}

func extractFile(ctx context.Context, f *zip.File, target string, remaining int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	//nolint:gosec // G302/G304: target verified to be inside the staging dir
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, io.LimitReader(&ctxReader{ctx: ctx, r: rc}, remaining+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	if n > remaining {
		return n, ErrBundleTooLarge
	}
	return n, nil
}

// copyTree copies the regular files of src into dst, which must not exist.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			//nolint:gosec // G301: bundle files are served to clients
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(ctx, path, target)
	})
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // src comes from a version directory walk
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	//nolint:gosec // G302: bundle files are served to clients
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, &ctxReader{ctx: ctx, r: in})
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}

// describeFile hashes one file and guesses its media type from the
// extension, falling back to content sniffing.
func describeFile(ctx context.Context, path, rel string) (FileInfo, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from a version directory
	if err != nil {
		return FileInfo{}, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return FileInfo{}, err
	}

	return FileInfo{
		Path:     rel,
		Size:     n,
		Hash:     hex.EncodeToString(h.Sum(nil)),
		MimeType: mimeTypeOf(path),
	}, nil
}

func mimeTypeOf(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsx":
		return "text/javascript; charset=utf-8"
	case ".json":
		return "application/json"
	}
	if mt, err := mimetype.DetectFile(path); err == nil {
		return mt.String()
	}
	return "application/octet-stream"
}

// describeTree returns FileInfo for every regular file below root, sorted
// by path.
func describeTree(ctx context.Context, root string) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := describeFile(ctx, path, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		files = append(files, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// writeFileAtomic replaces path with data via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
