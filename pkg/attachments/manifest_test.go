package attachments

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollapse_LatestOperationWins(t *testing.T) {
	ops := []Operation{
		{AttachmentID: "a", Operation: OpCreate, Version: 1, Size: 10, ContentType: "image/png"},
		{AttachmentID: "b", Operation: OpCreate, Version: 2, Size: 20},
		{AttachmentID: "a", Operation: OpUpdate, Version: 3, Size: 30, ContentType: "image/webp"},
		{AttachmentID: "b", Operation: OpDelete, Version: 4},
		{AttachmentID: "c", Operation: OpDelete, Version: 5},
		{AttachmentID: "c", Operation: OpCreate, Version: 6, Size: 5},
	}

	entries, count, total := Collapse(ops)

	assert.Equal(t, []ManifestEntry{
		{AttachmentID: "a", Operation: ActionDownload, Version: 3, Size: 30, ContentType: "image/webp"},
		{AttachmentID: "b", Operation: ActionDelete, Version: 4},
		{AttachmentID: "c", Operation: ActionDownload, Version: 6, Size: 5},
	}, entries)
	assert.Equal(t, OperationCount{Download: 2, Delete: 1}, count)
	assert.Equal(t, int64(35), total)
}

func TestCollapse_Empty(t *testing.T) {
	entries, count, total := Collapse(nil)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)
	assert.Zero(t, count)
	assert.Zero(t, total)
}
