package canonicalize

import (
	"errors"
	"strconv"
	"strings"
)

// Path locates a node inside a document. Array elements use their decimal
// index as the segment.
type Path []string

func (p Path) String() string {
	return strings.Join(p, ".")
}

// Child returns a copy of p extended by seg.
func (p Path) Child(seg string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// Last returns the final segment, or "" for the root.
func (p Path) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// SkipChildren may be returned by a VisitFunc to stop descent below the
// current node without aborting the walk.
var SkipChildren = errors.New("skip children")

// VisitFunc is called for every node in pre-order.
type VisitFunc func(path Path, v Value) error

// Walk visits v and its descendants. Object members are visited in sorted
// key order so that callers observe a deterministic sequence.
func Walk(v Value, fn VisitFunc) error {
	err := walk(nil, v, fn)
	if errors.Is(err, SkipChildren) {
		return nil
	}
	return err
}

func walk(path Path, v Value, fn VisitFunc) error {
	if err := fn(path, v); err != nil {
		return err
	}

	switch t := v.(type) {
	case Array:
		for i, elem := range t {
			if err := walkChild(path.Child(strconv.Itoa(i)), elem, fn); err != nil {
				return err
			}
		}
	case Object:
		for _, k := range t.Keys() {
			if err := walkChild(path.Child(k), t[k], fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func walkChild(path Path, v Value, fn VisitFunc) error {
	err := walk(path, v, fn)
	if errors.Is(err, SkipChildren) {
		return nil
	}
	return err
}
