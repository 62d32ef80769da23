package attachments

import "sort"

// Action is the instruction a client applies for one attachment.
type Action string

const (
	ActionDownload Action = "download"
	ActionDelete   Action = "delete"
)

// ManifestRequest asks for the changes a client has not seen yet.
type ManifestRequest struct {
	ClientID     string
	SinceVersion int64
}

// ManifestEntry tells a client to fetch or drop one attachment.
type ManifestEntry struct {
	AttachmentID string `json:"attachment_id"`
	Operation    Action `json:"operation"`
	Version      int64  `json:"version"`
	Size         int64  `json:"size,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
}

// OperationCount tallies the manifest entries by action.
type OperationCount struct {
	Download int `json:"download"`
	Delete   int `json:"delete"`
}

// Manifest is the minimal instruction set for a client.
type Manifest struct {
	CurrentVersion    int64           `json:"current_version"`
	Operations        []ManifestEntry `json:"operations"`
	OperationCount    OperationCount  `json:"operation_count"`
	TotalDownloadSize int64           `json:"total_download_size"`
}

// Collapse reduces an ascending operation log to one entry per attachment:
// the latest operation wins. Create and update become downloads carrying
// that operation's size and type; delete becomes a delete, so a create
// followed by a delete in the same window yields a single delete.
func Collapse(ops []Operation) ([]ManifestEntry, OperationCount, int64) {
	latest := make(map[string]Operation, len(ops))
	for _, op := range ops {
		if prev, ok := latest[op.AttachmentID]; ok && prev.Version > op.Version {
			continue
		}
		latest[op.AttachmentID] = op
	}

	entries := make([]ManifestEntry, 0, len(latest))
	var (
		count     OperationCount
		totalSize int64
	)
	for _, op := range latest {
		e := ManifestEntry{AttachmentID: op.AttachmentID, Version: op.Version}
		if op.Operation == OpDelete {
			e.Operation = ActionDelete
			count.Delete++
		} else {
			e.Operation = ActionDownload
			e.Size = op.Size
			e.ContentType = op.ContentType
			count.Download++
			totalSize += op.Size
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	return entries, count, totalSize
}
