package llm

import "errors"

var (
	// ErrUnsupportedCapability is returned when the resolved vendor
	// family does not implement the requested capability.
	ErrUnsupportedCapability = errors.New("llm: unsupported capability")

	// ErrProviderNotConfigured means the credential lookup came back
	// empty for the provider a model binding points at.
	ErrProviderNotConfigured = errors.New("llm: provider not configured")

	// ErrNoValidOutput means the vendor answered 2xx but produced no
	// usable payload across all attempted request shapes.
	ErrNoValidOutput = errors.New("llm: no valid output")
)
