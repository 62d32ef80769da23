// Package bundle validates app bundle archives before they are deployed.
//
// A bundle is a zip with three top-level directories:
//
//	app/index.html           web app entry point (required)
//	forms/{name}/schema.json JSON Schema of a form
//	forms/{name}/ui.json     UI layout of a form
//	cells/{name}/cell.jsx    custom renderer ("cell")
//
// Validation is fail-closed: any violation rejects the whole archive.
package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/OpenDataEnsemble/synkronus/pkg/canonicalize"
)

const (
	dirApp   = "app"
	dirForms = "forms"
	dirCells = "cells"

	appEntry   = "app/index.html"
	schemaFile = "schema.json"
	uiFile     = "ui.json"
	cellFile   = "cell.jsx"

	// maxJSONSize bounds how much of a schema or ui file is read.
	maxJSONSize = 8 << 20
)

// DefaultBuiltinCells are renderers shipped with the client app that
// schemas may reference without bundling them.
var DefaultBuiltinCells = []string{
	"text", "textarea", "number", "integer", "boolean", "date", "time",
	"datetime", "select", "multiselect", "radio", "checkbox", "photo",
	"audio", "video", "signature", "gps", "qrcode", "file", "finalize",
	"swipe-layout", "group", "label",
}

// cellRefKeys name the schema keywords that reference a renderer.
var cellRefKeys = map[string]bool{"x-cell": true, "cellType": true}

// Report summarizes an accepted bundle.
type Report struct {
	Forms []string
	Cells []string
	Files []string
	// PendingBaselines are core field fingerprints for forms with no
	// recorded baseline. Commit them once the bundle is deployed.
	PendingBaselines []*CoreFieldRecord
}

// Validator checks bundle archives.
type Validator struct {
	store        CoreFieldStore
	builtinCells map[string]bool
	logger       *slog.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithBuiltinCells replaces the built-in renderer allow-list.
func WithBuiltinCells(names ...string) ValidatorOption {
	return func(v *Validator) {
		v.builtinCells = make(map[string]bool, len(names))
		for _, n := range names {
			v.builtinCells[n] = true
		}
	}
}

func WithLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l.With("component", "bundle-validator") }
}

// NewValidator creates a validator backed by store for core field
// baselines. A nil store disables core field protection.
func NewValidator(store CoreFieldStore, opts ...ValidatorOption) *Validator {
	v := &Validator{
		store:  store,
		logger: slog.Default().With("component", "bundle-validator"),
	}
	WithBuiltinCells(DefaultBuiltinCells...)(v)
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type formFiles struct {
	schema *zip.File
	ui     *zip.File
}

// ValidateBundleStructure checks layout, JSON validity, cell references and
// core field baselines.
func (v *Validator) ValidateBundleStructure(ctx context.Context, zr *zip.Reader) (*Report, error) {
	files := make(map[string]*zip.File)
	forms := make(map[string]*formFiles)
	cells := make(map[string][]string)

	for _, f := range zr.File {
		name, isDir, err := NormalizeEntryName(f.Name)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			return nil, structureErr("symlink entries are not allowed: %s", name)
		}

		segs := strings.Split(name, "/")
		if len(segs) == 1 && !isDir {
			return nil, structureErr("unexpected top-level file %q", name)
		}
		switch segs[0] {
		case dirApp:
		case dirForms:
			if len(segs) == 1 {
				break
			}
			if len(segs) == 2 && !isDir {
				return nil, structureErr("file %s must be inside a form directory", name)
			}
			ff := forms[segs[1]]
			if ff == nil {
				ff = &formFiles{}
				forms[segs[1]] = ff
			}
			if len(segs) == 3 && !isDir {
				switch segs[2] {
				case schemaFile:
					ff.schema = f
				case uiFile:
					ff.ui = f
				}
			}
		case dirCells:
			if len(segs) == 1 {
				break
			}
			if len(segs) == 2 && !isDir {
				return nil, structureErr("file %s must be inside a cell directory", name)
			}
			if _, ok := cells[segs[1]]; !ok {
				cells[segs[1]] = nil
			}
			if !isDir {
				cells[segs[1]] = append(cells[segs[1]], strings.Join(segs[2:], "/"))
			}
		default:
			return nil, structureErr("unexpected top-level entry %q (allowed: app/, forms/, cells/)", segs[0])
		}

		if !isDir {
			if _, dup := files[name]; dup {
				return nil, structureErr("duplicate entry %s", name)
			}
			files[name] = f
		}
	}

	if _, ok := files[appEntry]; !ok {
		return nil, structureErr("missing %s", appEntry)
	}

	for name, contents := range cells {
		if len(contents) != 1 || contents[0] != cellFile {
			return nil, structureErr("cells/%s must contain exactly %s", name, cellFile)
		}
	}

	report := &Report{}
	for name := range cells {
		report.Cells = append(report.Cells, name)
	}
	for name := range forms {
		report.Forms = append(report.Forms, name)
	}
	for name := range files {
		report.Files = append(report.Files, name)
	}
	sort.Strings(report.Cells)
	sort.Strings(report.Forms)
	sort.Strings(report.Files)

	for _, form := range report.Forms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pending, err := v.validateForm(ctx, form, forms[form], cells)
		if err != nil {
			return nil, err
		}
		if pending != nil {
			report.PendingBaselines = append(report.PendingBaselines, pending)
		}
	}

	v.logger.DebugContext(ctx, "bundle structure valid",
		"forms", len(report.Forms),
		"cells", len(report.Cells),
		"files", len(report.Files),
	)
	return report, nil
}

func (v *Validator) validateForm(ctx context.Context, form string, ff *formFiles, cells map[string][]string) (*CoreFieldRecord, error) {
	if ff.schema == nil {
		return nil, structureErr("forms/%s is missing %s", form, schemaFile)
	}
	if ff.ui == nil {
		return nil, structureErr("forms/%s is missing %s", form, uiFile)
	}

	schemaRaw, schema, err := readJSON(ff.schema)
	if err != nil {
		return nil, structureErr("forms/%s/%s: %v", form, schemaFile, err)
	}
	_, ui, err := readJSON(ff.ui)
	if err != nil {
		return nil, structureErr("forms/%s/%s: %v", form, uiFile, err)
	}

	if err := compileSchema(form, schemaRaw); err != nil {
		return nil, structureErr("forms/%s/%s: %v", form, schemaFile, err)
	}

	for _, doc := range []canonicalize.Value{schema, ui} {
		for _, ref := range CellReferences(doc) {
			if _, bundled := cells[ref]; bundled || v.builtinCells[ref] {
				continue
			}
			return nil, fmt.Errorf("%w: form %s references cell %q", ErrUnresolvedCell, form, ref)
		}
	}

	if v.store == nil {
		return nil, nil
	}

	current, err := BuildCoreFieldRecord(form, schema)
	if err != nil {
		return nil, fmt.Errorf("fingerprint core fields of %s: %w", form, err)
	}
	baseline, err := v.store.Get(ctx, form)
	if err != nil {
		return nil, err
	}
	if baseline == nil {
		return current, nil
	}
	if diff := CompareCoreFields(baseline, current); diff != nil {
		return nil, diff
	}
	return nil, nil
}

// CommitBaselines records the pending baselines of an accepted bundle.
func (v *Validator) CommitBaselines(ctx context.Context, report *Report) error {
	if v.store == nil || report == nil {
		return nil
	}
	for _, rec := range report.PendingBaselines {
		if err := v.store.Put(ctx, rec); err != nil {
			return err
		}
		v.logger.InfoContext(ctx, "core field baseline recorded", "form", rec.Form, "fields", len(rec.Fields))
	}
	return nil
}

func readJSON(f *zip.File) ([]byte, canonicalize.Value, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rc.Close() }()

	raw, err := io.ReadAll(io.LimitReader(rc, maxJSONSize+1))
	if err != nil {
		return nil, nil, err
	}
	if len(raw) > maxJSONSize {
		return nil, nil, fmt.Errorf("file exceeds %d bytes", maxJSONSize)
	}
	val, err := canonicalize.Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, val, nil
}

func compileSchema(form string, raw []byte) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.LoadURL = func(s string) (io.ReadCloser, error) {
		return nil, fmt.Errorf("external schema reference %q is not allowed", s)
	}
	schemaURL := fmt.Sprintf("https://synkronus.local/forms/%s/schema.json", form)
	if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return err
	}
	_, err := c.Compile(schemaURL)
	return err
}

// CellReferences returns the distinct renderer names referenced anywhere in
// doc through "x-cell" or "cellType" string values, sorted.
func CellReferences(doc canonicalize.Value) []string {
	seen := make(map[string]bool)
	_ = canonicalize.Walk(doc, func(_ canonicalize.Path, v canonicalize.Value) error {
		obj, ok := v.(canonicalize.Object)
		if !ok {
			return nil
		}
		for key := range cellRefKeys {
			if s, ok := obj[key].(canonicalize.String); ok && s != "" {
				seen[string(s)] = true
			}
		}
		return nil
	})

	refs := make([]string, 0, len(seen))
	for r := range seen {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return refs
}
