package appbundle

import (
	"errors"
	"time"
)

var (
	// ErrVersionNotFound is returned for unknown version identifiers.
	ErrVersionNotFound = errors.New("appbundle: version not found")

	// ErrFileNotFound is returned when a path is not part of a version.
	ErrFileNotFound = errors.New("appbundle: file not found")

	// ErrNoActiveVersion is returned before the first bundle is deployed.
	ErrNoActiveVersion = errors.New("appbundle: no active version")

	// ErrBundleTooLarge is returned when an upload exceeds the size cap.
	ErrBundleTooLarge = errors.New("appbundle: bundle exceeds size limit")

	// ErrInvalidArchive is returned when the upload is not a zip archive.
	ErrInvalidArchive = errors.New("appbundle: upload is not a valid zip archive")
)

// FileInfo describes one file of a bundle version. Hash is the hex SHA-256
// of the content and doubles as the HTTP ETag.
type FileInfo struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
	MimeType string `json:"mimeType"`
}

// Manifest lists the files of the active version.
type Manifest struct {
	Version     string     `json:"version"`
	GeneratedAt time.Time  `json:"generatedAt"`
	Hash        string     `json:"hash"`
	Files       []FileInfo `json:"files"`
}

// ChangeLog is the path and hash difference between two versions.
type ChangeLog struct {
	From     string     `json:"from"`
	To       string     `json:"to"`
	Added    []FileInfo `json:"added"`
	Modified []FileInfo `json:"modified"`
	Removed  []FileInfo `json:"removed"`
}

// HasChanges reports whether any file differs.
func (c *ChangeLog) HasChanges() bool {
	return len(c.Added)+len(c.Modified)+len(c.Removed) > 0
}
