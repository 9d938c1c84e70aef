package images

import "errors"

var (
	// ErrNotFound mirrors metadata.ErrNotFound at the image-store boundary.
	ErrNotFound = errors.New("image not found")
	// ErrInvalid covers malformed tags and disallowed tag operations (e.g.
	// changing a tag's repository component).
	ErrInvalid = errors.New("invalid image reference")
)
