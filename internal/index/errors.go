package index

import (
	"errors"
	"fmt"
)

// Sentinel errors for index operations.
var (
	ErrNotFound      = errors.New("index not found")
	ErrAlreadyExists = errors.New("index already exists")
)

// ChecksumConflictError is returned when a CAS write observes a checksum
// other than the one the caller supplied. It is a protocol-level, recoverable
// condition: re-read the index and retry with the fresh checksum. Callers
// branch on it explicitly; it is never swallowed by a generic retry wrapper.
type ChecksumConflictError struct {
	Name     string
	Expected string
	Current  string
}

func (e *ChecksumConflictError) Error() string {
	return fmt.Sprintf("checksum conflict on %s: content has changed (current %s)", e.Name, e.Current)
}

// IsChecksumConflict reports whether err is a CAS failure.
func IsChecksumConflict(err error) bool {
	var c *ChecksumConflictError
	return errors.As(err, &c)
}
