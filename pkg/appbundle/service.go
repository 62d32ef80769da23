// Package appbundle stores versioned app bundles on disk and serves the
// active one to clients.
//
// Layout below the root directory:
//
//	versions/0001/...   one immutable directory per accepted upload
//	bundle/...          mirror of the active version for static serving
//	active_version      name of the active version
//	.staging/           uploads and extractions in progress
//
// Reads resolve the active version once and then read from its immutable
// version directory, so a concurrent switch never produces a mix of files
// from two versions.
package appbundle

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/OpenDataEnsemble/synkronus/pkg/bundle"
	"github.com/OpenDataEnsemble/synkronus/pkg/observability"
)

const (
	DefaultMaxVersions   = 5
	DefaultMaxBundleSize = 100 << 20

	versionsDirName = "versions"
	bundleDirName   = "bundle"
	stagingDirName  = ".staging"
	pointerFileName = "active_version"
)

// Config locates the bundle root and bounds its growth.
type Config struct {
	Root string
	// MaxVersions is the number of stored versions kept after a push. The
	// active version is never pruned.
	MaxVersions int
	// MaxBundleSize caps the uploaded archive in bytes.
	MaxBundleSize int64
	// MaxExtractedSize caps the total uncompressed size. Defaults to ten
	// times MaxBundleSize.
	MaxExtractedSize int64
}

// Service manages bundle versions below one root directory.
type Service struct {
	root        string
	versionsDir string
	bundleDir   string
	stagingDir  string
	pointerPath string

	maxVersions  int
	maxSize      int64
	maxExtracted int64

	validator   *bundle.Validator
	invalidator Invalidator
	obs         *observability.Provider
	logger      *slog.Logger
	now         func() time.Time

	// mu serializes push, switch and prune.
	mu sync.Mutex

	active       atomic.Value // string
	manifest     atomic.Pointer[Manifest]
	regenerating atomic.Int32
	group        singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l.With("component", "appbundle") }
}

func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

// WithInvalidator replaces the default LocalInvalidator.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) { s.invalidator = inv }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New prepares the directory layout under cfg.Root and restores the active
// version recorded by a previous run.
func New(ctx context.Context, cfg Config, validator *bundle.Validator, opts ...Option) (*Service, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("appbundle: root directory is required")
	}
	if validator == nil {
		return nil, errors.New("appbundle: validator is required")
	}
	if cfg.MaxVersions <= 0 {
		cfg.MaxVersions = DefaultMaxVersions
	}
	if cfg.MaxBundleSize <= 0 {
		cfg.MaxBundleSize = DefaultMaxBundleSize
	}
	if cfg.MaxExtractedSize <= 0 {
		cfg.MaxExtractedSize = 10 * cfg.MaxBundleSize
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	s := &Service{
		root:         root,
		versionsDir:  filepath.Join(root, versionsDirName),
		bundleDir:    filepath.Join(root, bundleDirName),
		stagingDir:   filepath.Join(root, stagingDirName),
		pointerPath:  filepath.Join(root, pointerFileName),
		maxVersions:  cfg.MaxVersions,
		maxSize:      cfg.MaxBundleSize,
		maxExtracted: cfg.MaxExtractedSize,
		validator:    validator,
		invalidator:  LocalInvalidator{},
		logger:       slog.Default().With("component", "appbundle"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.active.Store("")

	// Leftovers from an interrupted push or switch are never referenced.
	if err := os.RemoveAll(s.stagingDir); err != nil {
		return nil, fmt.Errorf("clear staging: %w", err)
	}
	for _, dir := range []string{s.versionsDir, s.stagingDir} {
		//nolint:gosec // G301: bundle files are served to clients
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	active, err := s.readPointer()
	if err != nil {
		return nil, err
	}
	if active != "" {
		s.active.Store(active)
		if _, err := os.Stat(s.bundleDir); errors.Is(err, os.ErrNotExist) {
			s.mu.Lock()
			err = s.mirrorLocked(ctx, active)
			s.mu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("restore bundle mirror: %w", err)
			}
		}
		s.logger.InfoContext(ctx, "restored active bundle version", "version", active)
	}
	return s, nil
}

// Start subscribes to switches made by other instances until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	return s.invalidator.Subscribe(ctx, func(version string) {
		s.handleRemoteSwitch(ctx, version)
	})
}

func (s *Service) handleRemoteSwitch(ctx context.Context, announced string) {
	active, err := s.readPointer()
	if err != nil {
		s.logger.ErrorContext(ctx, "reload active version", "error", err)
		return
	}
	if active != announced {
		s.logger.WarnContext(ctx, "announced version differs from pointer", "announced", announced, "pointer", active)
	}
	s.active.Store(active)
	s.logger.InfoContext(ctx, "active version changed by another instance", "version", active)
}

// ActiveVersion returns the active version or "" before the first push.
func (s *Service) ActiveVersion() string {
	v, _ := s.active.Load().(string)
	return v
}

// GetActiveVersion is ActiveVersion with ErrNoActiveVersion for the empty
// case.
func (s *Service) GetActiveVersion(ctx context.Context) (string, error) {
	if v := s.ActiveVersion(); v != "" {
		return v, nil
	}
	return "", ErrNoActiveVersion
}

// GetVersions lists stored versions, newest first.
func (s *Service) GetVersions(ctx context.Context) ([]string, error) {
	versions, err := s.listVersions()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(versions)-1; i < j; i, j = i+1, j-1 {
		versions[i], versions[j] = versions[j], versions[i]
	}
	return versions, nil
}

// LatestVersion returns the newest stored version, which may not be active.
func (s *Service) LatestVersion() (string, error) {
	versions, err := s.listVersions()
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", ErrNoActiveVersion
	}
	return versions[len(versions)-1], nil
}

// PushBundle validates the uploaded archive, stores it as the next version,
// activates it and prunes old versions. Nothing is written below versions/
// unless validation passes.
func (s *Service) PushBundle(ctx context.Context, r io.Reader) (m *Manifest, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "appbundle.push")
	defer func() { done(err) }()

	spool, size, err := s.spool(r)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	zr, err := zip.NewReader(spool, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	report, err := s.validator.ValidateBundleStructure(ctx, zr)
	if err != nil {
		s.logger.WarnContext(ctx, "bundle rejected", "error", err)
		return nil, err
	}

	version, err := s.nextVersionLocked()
	if err != nil {
		return nil, err
	}

	staging := filepath.Join(s.stagingDir, "extract-"+version+"-"+uuid.NewString())
	if err := extractArchive(ctx, zr, staging, s.maxExtracted, s.logger); err != nil {
		_ = os.RemoveAll(staging)
		return nil, err
	}
	final := s.versionPath(version)
	if err := os.Rename(staging, final); err != nil {
		_ = os.RemoveAll(staging)
		return nil, fmt.Errorf("store version %s: %w", version, err)
	}

	if err := s.validator.CommitBaselines(ctx, report); err != nil {
		_ = os.RemoveAll(final)
		return nil, fmt.Errorf("record core field baselines: %w", err)
	}
	if err := s.switchLocked(ctx, version); err != nil {
		_ = os.RemoveAll(final)
		return nil, err
	}

	if removed, err := s.pruneLocked(ctx); err != nil {
		s.logger.WarnContext(ctx, "prune bundle versions", "error", err)
	} else if len(removed) > 0 {
		s.logger.InfoContext(ctx, "pruned bundle versions", "removed", removed)
	}

	s.logger.InfoContext(ctx, "bundle pushed",
		"version", version,
		"forms", len(report.Forms),
		"cells", len(report.Cells),
		"files", len(report.Files),
	)
	return s.regenerate(ctx)
}

// SwitchVersion makes a stored version active.
func (s *Service) SwitchVersion(ctx context.Context, version string) (m *Manifest, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "appbundle.switch", attribute.String("version", version))
	defer func() { done(err) }()

	if !isVersionName(version) {
		return nil, fmt.Errorf("%w: %q", ErrVersionNotFound, version)
	}

	s.mu.Lock()
	err = s.switchLocked(ctx, version)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.regenerate(ctx)
}

// GetManifest returns the manifest of the active version. It is computed
// once per version; while a regeneration runs, other callers get the
// previous manifest.
func (s *Service) GetManifest(ctx context.Context) (*Manifest, error) {
	active := s.ActiveVersion()
	if active == "" {
		return nil, ErrNoActiveVersion
	}
	if m := s.manifest.Load(); m != nil {
		if m.Version == active || s.regenerating.Load() > 0 {
			return m, nil
		}
	}

	v, err, _ := s.group.Do("manifest", func() (interface{}, error) {
		return s.regenerate(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manifest), nil
}

func (s *Service) regenerate(ctx context.Context) (*Manifest, error) {
	s.regenerating.Add(1)
	defer s.regenerating.Add(-1)

	version := s.ActiveVersion()
	if version == "" {
		return nil, ErrNoActiveVersion
	}
	files, err := describeTree(ctx, s.versionPath(version))
	if err != nil {
		return nil, fmt.Errorf("describe version %s: %w", version, err)
	}
	if files == nil {
		files = []FileInfo{}
	}
	m := &Manifest{
		Version:     version,
		GeneratedAt: s.now().UTC(),
		Hash:        manifestHash(files),
		Files:       files,
	}
	// A switch may have happened while hashing; a manifest for a retired
	// version is returned to this caller but never cached.
	if version == s.ActiveVersion() {
		s.manifest.Store(m)
	}
	return m, nil
}

// manifestHash digests the sorted path:hash list.
func manifestHash(files []FileInfo) string {
	h := sha256.New()
	for _, f := range files {
		_, _ = io.WriteString(h, f.Path+":"+f.Hash+"\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GetFile opens a file of the active version, or of the newest stored
// version when preview is set. The reader stops once ctx is done.
func (s *Service) GetFile(ctx context.Context, path string, preview bool) (io.ReadCloser, *FileInfo, error) {
	name, isDir, err := bundle.NormalizeEntryName(path)
	if err != nil {
		return nil, nil, err
	}
	if name == "" || isDir {
		return nil, nil, fmt.Errorf("%w: %q", ErrFileNotFound, path)
	}

	version := s.ActiveVersion()
	if preview {
		if version, err = s.LatestVersion(); err != nil {
			return nil, nil, err
		}
	}
	if version == "" {
		return nil, nil, ErrNoActiveVersion
	}

	dir := s.versionPath(version)
	full := filepath.Join(dir, filepath.FromSlash(name))
	if !within(dir, full) {
		return nil, nil, bundle.ErrPathTraversal
	}

	info, err := s.fileInfo(ctx, version, name, full)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(full) //nolint:gosec // path normalized and confined to the version dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %q", ErrFileNotFound, name)
		}
		return nil, nil, err
	}
	return newCtxReadCloser(ctx, f), info, nil
}

// GetLatestVersionFile opens a file of the newest stored version.
func (s *Service) GetLatestVersionFile(ctx context.Context, path string) (io.ReadCloser, *FileInfo, error) {
	return s.GetFile(ctx, path, true)
}

func (s *Service) fileInfo(ctx context.Context, version, name, full string) (*FileInfo, error) {
	if m := s.manifest.Load(); m != nil && m.Version == version {
		i := sort.Search(len(m.Files), func(i int) bool { return m.Files[i].Path >= name })
		if i < len(m.Files) && m.Files[i].Path == name {
			info := m.Files[i]
			return &info, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrFileNotFound, name)
	}

	st, err := os.Stat(full)
	if err != nil || !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q", ErrFileNotFound, name)
	}
	info, err := describeFile(ctx, full, name)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// CompareAppInfos lists files added, modified and removed going from one
// stored version to another.
func (s *Service) CompareAppInfos(ctx context.Context, from, to string) (*ChangeLog, error) {
	before, err := s.describeVersion(ctx, from)
	if err != nil {
		return nil, err
	}
	after, err := s.describeVersion(ctx, to)
	if err != nil {
		return nil, err
	}

	old := make(map[string]FileInfo, len(before))
	for _, f := range before {
		old[f.Path] = f
	}
	changes := &ChangeLog{
		From:     from,
		To:       to,
		Added:    []FileInfo{},
		Modified: []FileInfo{},
		Removed:  []FileInfo{},
	}
	for _, f := range after {
		prev, ok := old[f.Path]
		switch {
		case !ok:
			changes.Added = append(changes.Added, f)
		case prev.Hash != f.Hash:
			changes.Modified = append(changes.Modified, f)
		}
		delete(old, f.Path)
	}
	for _, f := range before {
		if _, gone := old[f.Path]; gone {
			changes.Removed = append(changes.Removed, f)
		}
	}
	return changes, nil
}

func (s *Service) describeVersion(ctx context.Context, version string) ([]FileInfo, error) {
	if !isVersionName(version) {
		return nil, fmt.Errorf("%w: %q", ErrVersionNotFound, version)
	}
	if m := s.manifest.Load(); m != nil && m.Version == version {
		return m.Files, nil
	}
	dir := s.versionPath(version)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("%w: %q", ErrVersionNotFound, version)
	}
	return describeTree(ctx, dir)
}

func (s *Service) switchLocked(ctx context.Context, version string) error {
	if st, err := os.Stat(s.versionPath(version)); err != nil || !st.IsDir() {
		return fmt.Errorf("%w: %q", ErrVersionNotFound, version)
	}
	previous := s.ActiveVersion()

	if err := s.mirrorLocked(ctx, version); err != nil {
		return err
	}
	if err := writeFileAtomic(s.pointerPath, []byte(version+"\n")); err != nil {
		if previous != "" {
			if rerr := s.mirrorLocked(context.WithoutCancel(ctx), previous); rerr != nil {
				s.logger.ErrorContext(ctx, "restore bundle mirror", "version", previous, "error", rerr)
			}
		}
		return fmt.Errorf("write active version: %w", err)
	}
	s.active.Store(version)

	if err := s.invalidator.Publish(ctx, version); err != nil {
		s.logger.WarnContext(ctx, "publish version switch", "version", version, "error", err)
	}
	s.logger.InfoContext(ctx, "active bundle version switched", "from", previous, "to", version)
	return nil
}

// mirrorLocked replaces bundle/ with a copy of version. The copy is staged
// first so bundle/ is only ever missing between two renames.
func (s *Service) mirrorLocked(ctx context.Context, version string) error {
	staging := filepath.Join(s.stagingDir, "bundle-"+uuid.NewString())
	if err := copyTree(ctx, s.versionPath(version), staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("stage bundle %s: %w", version, err)
	}

	retired := filepath.Join(s.stagingDir, "retired-"+uuid.NewString())
	hadMirror := true
	if err := os.Rename(s.bundleDir, retired); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			_ = os.RemoveAll(staging)
			return fmt.Errorf("retire bundle mirror: %w", err)
		}
		hadMirror = false
	}
	if err := os.Rename(staging, s.bundleDir); err != nil {
		if hadMirror {
			_ = os.Rename(retired, s.bundleDir)
		}
		_ = os.RemoveAll(staging)
		return fmt.Errorf("activate bundle mirror: %w", err)
	}
	if hadMirror {
		_ = os.RemoveAll(retired)
	}
	return nil
}

// pruneLocked removes the oldest versions beyond maxVersions, skipping the
// active one.
func (s *Service) pruneLocked(ctx context.Context) ([]string, error) {
	versions, err := s.listVersions()
	if err != nil {
		return nil, err
	}
	if len(versions) <= s.maxVersions {
		return nil, nil
	}

	active := s.ActiveVersion()
	var removed []string
	for _, v := range versions[:len(versions)-s.maxVersions] {
		if v == active {
			continue
		}
		if err := os.RemoveAll(s.versionPath(v)); err != nil {
			return removed, fmt.Errorf("remove version %s: %w", v, err)
		}
		removed = append(removed, v)
	}
	return removed, nil
}

func (s *Service) nextVersionLocked() (string, error) {
	versions, err := s.listVersions()
	if err != nil {
		return "", err
	}
	next := 1
	if len(versions) > 0 {
		last, _ := strconv.Atoi(versions[len(versions)-1])
		next = last + 1
	}
	return fmt.Sprintf("%04d", next), nil
}

// listVersions returns stored versions, oldest first.
func (s *Service) listVersions() ([]string, error) {
	entries, err := os.ReadDir(s.versionsDir)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() && isVersionName(e.Name()) {
			versions = append(versions, e.Name())
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		a, _ := strconv.Atoi(versions[i])
		b, _ := strconv.Atoi(versions[j])
		return a < b
	})
	return versions, nil
}

func (s *Service) versionPath(version string) string {
	return filepath.Join(s.versionsDir, version)
}

func (s *Service) readPointer() (string, error) {
	data, err := os.ReadFile(s.pointerPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read active version: %w", err)
	}
	version := strings.TrimSpace(string(data))
	if !isVersionName(version) {
		return "", fmt.Errorf("read active version: malformed pointer %q", version)
	}
	if st, err := os.Stat(s.versionPath(version)); err != nil || !st.IsDir() {
		s.logger.Warn("active version pointer names a missing version", "version", version)
		return "", nil
	}
	return version, nil
}

func (s *Service) spool(r io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp(s.stagingDir, "upload-*.zip")
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	if err == nil && n > s.maxSize {
		err = fmt.Errorf("%w: more than %d bytes", ErrBundleTooLarge, s.maxSize)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, 0, err
	}
	return f, n, nil
}

func isVersionName(v string) bool {
	if v == "" || len(v) > 9 {
		return false
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return false
		}
	}
	n, _ := strconv.Atoi(v)
	return n > 0
}
