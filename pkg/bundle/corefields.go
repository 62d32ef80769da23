package bundle

import (
	"sort"
	"strings"

	"github.com/OpenDataEnsemble/synkronus/pkg/canonicalize"
)

const (
	coreFieldPrefix = "core_"
	coreMarker      = "x-core"
)

// CoreFieldRecord is the protected-field fingerprint of one form.
type CoreFieldRecord struct {
	Form string
	// Hash is the SHA-256 of the canonical map of Fields.
	Hash string
	// Fields maps each core field path to the hash of its definition.
	Fields map[string]string
}

// ExtractCoreFields returns the definitions of every core property in a
// form schema keyed by dotted path. A property is core when its name starts
// with "core_" or it carries "x-core": true; the marker propagates to all
// nested properties, and on the root schema it makes every property core.
// Nested "properties" and "items" are stripped from a recorded definition
// and recorded under their own paths.
func ExtractCoreFields(schema canonicalize.Value) map[string]canonicalize.Value {
	out := make(map[string]canonicalize.Value)
	root, ok := schema.(canonicalize.Object)
	if !ok {
		return out
	}
	collectCore(root, nil, isMarkedCore(root), out)
	return out
}

func collectCore(node canonicalize.Object, path canonicalize.Path, inherited bool, out map[string]canonicalize.Value) {
	if props, ok := node["properties"].(canonicalize.Object); ok {
		for _, name := range props.Keys() {
			prop, ok := props[name].(canonicalize.Object)
			if !ok {
				continue
			}
			p := path.Child(name)
			core := inherited || strings.HasPrefix(name, coreFieldPrefix) || isMarkedCore(prop)
			if core {
				out[p.String()] = shallowDefinition(prop)
			}
			collectCore(prop, p, core, out)
		}
	}
	if items, ok := node["items"].(canonicalize.Object); ok {
		collectCore(items, path.Child("[]"), inherited, out)
	}
}

func isMarkedCore(o canonicalize.Object) bool {
	b, ok := o[coreMarker].(canonicalize.Bool)
	return ok && bool(b)
}

// shallowDefinition deep-copies a property without its child schemas.
func shallowDefinition(prop canonicalize.Object) canonicalize.Value {
	cp := canonicalize.Clone(prop).(canonicalize.Object)
	delete(cp, "properties")
	delete(cp, "items")
	return cp
}

// BuildCoreFieldRecord fingerprints the core fields of a form. It returns
// nil when the form has none.
func BuildCoreFieldRecord(form string, schema canonicalize.Value) (*CoreFieldRecord, error) {
	fields := ExtractCoreFields(schema)
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &CoreFieldRecord{Form: form, Fields: make(map[string]string, len(fields))}
	all := make(canonicalize.Object, len(fields))
	for path, def := range fields {
		h, err := canonicalize.Hash(def)
		if err != nil {
			return nil, err
		}
		rec.Fields[path] = h
		all[path] = def
	}
	h, err := canonicalize.Hash(all)
	if err != nil {
		return nil, err
	}
	rec.Hash = h
	return rec, nil
}

// CompareCoreFields returns nil when current matches baseline, or an error
// naming the added, removed and changed paths. A nil current means the form
// no longer declares any core field.
func CompareCoreFields(baseline, current *CoreFieldRecord) *CoreFieldModifiedError {
	if baseline == nil {
		return nil
	}
	if current != nil && current.Hash == baseline.Hash {
		return nil
	}

	diff := &CoreFieldModifiedError{Form: baseline.Form}
	var cur map[string]string
	if current != nil {
		cur = current.Fields
	}
	for path, h := range baseline.Fields {
		ch, ok := cur[path]
		switch {
		case !ok:
			diff.Removed = append(diff.Removed, path)
		case ch != h:
			diff.Modified = append(diff.Modified, path)
		}
	}
	for path := range cur {
		if _, ok := baseline.Fields[path]; !ok {
			diff.Added = append(diff.Added, path)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Modified)

	if len(diff.Added)+len(diff.Removed)+len(diff.Modified) == 0 {
		// Hashes differ but the baseline carries no per-field detail.
		diff.Modified = []string{"*"}
	}
	return diff
}
