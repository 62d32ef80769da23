// Package sync implements the observation push/pull protocol.
//
// Every successful observation write consumes exactly one ledger value,
// stamped on the row as its version. Pulls page through rows by version
// cursor up to a cutoff captured when the pull started, so a client that
// keeps paging sees a consistent snapshot even while pushes land.
package sync

import (
	"encoding/json"
	"errors"
	"time"
)

// SyncFormatVersion is reported on every pull response so clients can
// detect incompatible payload layouts.
const SyncFormatVersion = "1.0"

const (
	DefaultPullLimit = 50
	MaxPullLimit     = 500
)

var (
	// ErrInvalidRequest is returned before any state change when a request
	// is missing required fields.
	ErrInvalidRequest = errors.New("sync: invalid request")

	// ErrTransmissionInProgress is returned when another push with the same
	// transmission id is still being processed.
	ErrTransmissionInProgress = errors.New("sync: transmission already in progress")

	// ErrInvalidPageToken is returned for tokens that do not decode.
	ErrInvalidPageToken = errors.New("sync: invalid page token")
)

// Observation is one stored record.
type Observation struct {
	ObservationID string          `json:"observation_id" db:"observation_id"`
	FormType      string          `json:"form_type" db:"form_type"`
	FormVersion   string          `json:"form_version" db:"form_version"`
	Data          json.RawMessage `json:"data"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	SyncedAt      time.Time       `json:"synced_at" db:"synced_at"`
	Deleted       bool            `json:"deleted" db:"deleted"`
	Version       int64           `json:"version" db:"version"`
}

// PushRecord is an observation as submitted by a client.
type PushRecord struct {
	ObservationID string          `json:"observation_id"`
	FormType      string          `json:"form_type"`
	FormVersion   string          `json:"form_version"`
	Data          json.RawMessage `json:"data"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
	UpdatedAt     *time.Time      `json:"updated_at,omitempty"`
	Deleted       bool            `json:"deleted"`
}

// FailedRecord reports a record that was not stored.
type FailedRecord struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

const (
	WarningInvalidFormVersion = "invalid_form_version"
	WarningMissingFormType    = "missing_form_type"
)

// Warning reports a stored record with questionable metadata.
type Warning struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PushResult is the outcome of one push batch.
type PushResult struct {
	CurrentVersion int64          `json:"current_version"`
	SuccessCount   int            `json:"success_count"`
	FailedRecords  []FailedRecord `json:"failed_records"`
	Warnings       []Warning      `json:"warnings"`

	// Replayed is set when the result was served from the transmission
	// cache instead of being computed.
	Replayed bool `json:"-"`
}

// PullRequest selects records newer than SinceVersion.
type PullRequest struct {
	ClientID     string
	SinceVersion int64
	SchemaTypes  []string
	Limit        int
	PageToken    string
}

// PullResult is one page of a pull.
type PullResult struct {
	CurrentVersion    int64         `json:"current_version"`
	Records           []Observation `json:"records"`
	ChangeCutoff      int64         `json:"change_cutoff"`
	NextPageToken     string        `json:"next_page_token,omitempty"`
	HasMore           bool          `json:"has_more,omitempty"`
	SyncFormatVersion string        `json:"sync_format_version"`
}
