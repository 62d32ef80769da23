package bundle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidStructure is returned when the archive layout is wrong.
	ErrInvalidStructure = errors.New("bundle: invalid structure")

	// ErrPathTraversal is returned for entries that would escape the
	// extraction root.
	ErrPathTraversal = errors.New("bundle: path traversal")

	// ErrUnresolvedCell is returned when a schema names a cell that is
	// neither bundled nor built in.
	ErrUnresolvedCell = errors.New("bundle: unresolved cell reference")

	// ErrCoreFieldModified matches any *CoreFieldModifiedError.
	ErrCoreFieldModified = errors.New("bundle: core fields modified")
)

// CoreFieldModifiedError names the protected fields of a form whose
// definition differs from the recorded baseline.
type CoreFieldModifiedError struct {
	Form     string
	Added    []string
	Removed  []string
	Modified []string
}

// Fields returns every affected path.
func (e *CoreFieldModifiedError) Fields() []string {
	out := make([]string, 0, len(e.Added)+len(e.Removed)+len(e.Modified))
	out = append(out, e.Modified...)
	out = append(out, e.Added...)
	out = append(out, e.Removed...)
	return out
}

func (e *CoreFieldModifiedError) Error() string {
	var parts []string
	if len(e.Modified) > 0 {
		parts = append(parts, "modified: "+strings.Join(e.Modified, ", "))
	}
	if len(e.Added) > 0 {
		parts = append(parts, "added: "+strings.Join(e.Added, ", "))
	}
	if len(e.Removed) > 0 {
		parts = append(parts, "removed: "+strings.Join(e.Removed, ", "))
	}
	return fmt.Sprintf("core fields of form %q changed (%s)", e.Form, strings.Join(parts, "; "))
}

func (e *CoreFieldModifiedError) Is(target error) bool {
	return target == ErrCoreFieldModified
}

func structureErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidStructure, fmt.Sprintf(format, args...))
}
