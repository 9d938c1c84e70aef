package registry

import "errors"

var (
	ErrImageNotFound   = errors.New("image not found in any pull tier")
	ErrVersionRequired = errors.New("version required")
	ErrNotAllowed      = errors.New("image reference is not on the allow-list")
	ErrPushDisabled    = errors.New("push disabled: no backend configured")
	ErrPushFailed      = errors.New("push failed")
)
