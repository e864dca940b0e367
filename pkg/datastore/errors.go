package datastore

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("datastore: dataset not found")

// AmbiguousDigestError is returned when a digest prefix matches more than
// one core/ entry. The message lists every conflicting digest.
type AmbiguousDigestError struct {
	Prefix  string
	Matches []string
}

func (e *AmbiguousDigestError) Error() string {
	return fmt.Sprintf("ambiguous digest prefix %q matches %d datasets: %s",
		e.Prefix, len(e.Matches), strings.Join(e.Matches, ", "))
}

// AmbiguousMatchError is returned when a metadata query expected to select a
// single dataset matched several.
type AmbiguousMatchError struct {
	Query   map[string][]string
	Matches []string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("metadata query %v matches %d datasets: %s",
		e.Query, len(e.Matches), strings.Join(e.Matches, ", "))
}
