package metadata

import "errors"

var (
	// ErrNotFound is returned when an image or container cannot be located.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous is returned when a short-id prefix matches more than one
	// stored identifier.
	ErrAmbiguous = errors.New("ambiguous short id")
	// ErrWriteFailed is returned when both the atomic rename and the
	// copy+unlink fallback fail.
	ErrWriteFailed = errors.New("metadata write failed")
	// ErrMalformed is returned when a metadata file exists but cannot be
	// parsed as JSON.
	ErrMalformed = errors.New("metadata malformed")
)
