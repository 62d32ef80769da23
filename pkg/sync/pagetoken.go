package sync

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// pageToken carries the cursor and cutoff between pages of one pull, bound
// to the filter of the request that started it.
type pageToken struct {
	Version int64  `json:"v"`
	Cutoff  int64  `json:"c"`
	Filter  string `json:"f"`
}

// filterKey fingerprints the parts of a pull that must stay fixed across
// its pages. Schema type order and duplicates do not matter.
func filterKey(sinceVersion int64, schemaTypes []string) string {
	types := slices.Clone(schemaTypes)
	slices.Sort(types)
	types = slices.Compact(types)

	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(sinceVersion, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(types, "\x00")))
	return hex.EncodeToString(h.Sum(nil)[:12])
}

func encodePageToken(t pageToken) string {
	b, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodePageToken parses s and checks it was issued for filter.
func decodePageToken(s, filter string) (pageToken, error) {
	var t pageToken
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if t.Version < 0 || t.Cutoff < t.Version {
		return t, fmt.Errorf("%w: cursor %d beyond cutoff %d", ErrInvalidPageToken, t.Version, t.Cutoff)
	}
	if t.Filter != filter {
		return t, fmt.Errorf("%w: issued for a different since_version or schema_types", ErrInvalidPageToken)
	}
	return t, nil
}
