package bundle

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// zipOf builds an in-memory archive. A name ending in "/" becomes a
// directory entry.
func zipOf(t *testing.T, entries map[string]string) *zip.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		if body != "" {
			_, err = w.Write([]byte(body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return zr
}

const surveySchema = `{
	"type": "object",
	"properties": {
		"core_id": {"type": "string"},
		"name": {"type": "string", "x-cell": "text"},
		"household": {
			"type": "object",
			"x-core": true,
			"properties": {
				"size": {"type": "integer"}
			}
		},
		"photo": {"type": "string", "cellType": "photo"}
	}
}`

func validBundle() map[string]string {
	return map[string]string{
		"app/index.html":           "<html></html>",
		"app/assets/main.js":       "console.log(1)",
		"forms/survey/schema.json": surveySchema,
		"forms/survey/ui.json":     `{"type":"VerticalLayout","elements":[]}`,
		"cells/rating/cell.jsx":    "export default () => null",
	}
}
