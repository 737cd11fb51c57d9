package registry

import "errors"

// Discovery errors. They describe why a module directory was skipped and are
// reported through Report.Skipped; Discover itself only fails when the
// modules root cannot be read.
var (
	ErrManifestNotFound   = errors.New("manifest not found")
	ErrEntryPointNotFound = errors.New("entry point not found")
	ErrInvalidManifest    = errors.New("invalid manifest")
	ErrDuplicateModule    = errors.New("duplicate module name")
	ErrModuleDisabled     = errors.New("module disabled")
)
