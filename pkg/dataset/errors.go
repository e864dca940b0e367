package dataset

import (
	"errors"
	"fmt"
)

// MismatchKind distinguishes the ways a dataset can disagree with its
// identity manifest.
type MismatchKind int

const (
	MissingFile MismatchKind = iota
	ExtraFile
	SizeMismatch
	DigestMismatch
)

func (k MismatchKind) String() string {
	switch k {
	case MissingFile:
		return "missing file"
	case ExtraFile:
		return "extra file"
	case SizeMismatch:
		return "size mismatch"
	case DigestMismatch:
		return "digest mismatch"
	default:
		return fmt.Sprintf("mismatch(%d)", int(k))
	}
}

// IdentityMismatchError reports one specific discrepancy found during
// identity validation, naming the path involved.
type IdentityMismatchError struct {
	Kind   MismatchKind
	Path   string
	Detail string
}

func (e *IdentityMismatchError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("identity mismatch: %s: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("identity mismatch: %s: %s (%s)", e.Kind, e.Path, e.Detail)
}

// Metadata fetch errors. Both are wrapped with the key involved.
var (
	ErrNoValue        = errors.New("dataset: metadata key has no value")
	ErrMultipleValues = errors.New("dataset: metadata key has multiple values")
)
