package builder

import "errors"

var (
	ErrBuildFailed   = errors.New("build failed")
	ErrSourceMissing = errors.New("copy source does not exist in build context")
)
