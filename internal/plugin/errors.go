package plugin

import "errors"

// Domain errors for the plugin package.
var (
	// ErrUnknownEntry is returned when no factory is registered under the
	// requested entry name.
	ErrUnknownEntry = errors.New("plugin: unknown entry")

	// ErrNilFactory is returned when a manifest or registration carries no
	// usable factory.
	ErrNilFactory = errors.New("plugin: nil factory")

	// ErrInvalidManifest is returned when a manifest file fails validation.
	ErrInvalidManifest = errors.New("plugin: invalid manifest")
)
