// Package errs defines the sentinel error vocabulary shared across every
// layer of the origin server, so callers can use errors.Is regardless of
// which subsystem produced the error.
package errs

import "errors"

// Sentinel errors returned (wrapped with fmt.Errorf's %w) by providers,
// the router, the transcoder, and publishers.
var (
	ErrConfigInvalid   = errors.New("aperture: invalid configuration")
	ErrStreamNotFound  = errors.New("aperture: stream not found")
	ErrTrackNotFound   = errors.New("aperture: track not found")
	ErrDuplicateStream = errors.New("aperture: stream already exists")
	ErrCodecMissing    = errors.New("aperture: no codec available")
	ErrCodecData       = errors.New("aperture: malformed codec data")
	ErrHandshake       = errors.New("aperture: handshake failed")
	ErrAdmissionDenied = errors.New("aperture: admission denied")
	ErrNotReady        = errors.New("aperture: not ready")
	ErrStopped         = errors.New("aperture: stopped")
)
