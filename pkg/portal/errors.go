package portal

import "errors"

var (
	// ErrAuth means the portal explicitly rejected the credentials. Retrying
	// without user correction will not help.
	ErrAuth = errors.New("authentication failed")

	// ErrConnectivity is a transport-level failure. Transient; the next
	// scheduled cycle may succeed.
	ErrConnectivity = errors.New("connection failed")

	// ErrProtocol means the portal answered but not in the shape the warm-up
	// sequence requires (e.g. an empty contract-account list). Fatal for the
	// cycle, not retried within it.
	ErrProtocol = errors.New("unexpected portal response")

	// ErrDataUnavailable means the data endpoint returned no payload and the
	// embedded message was not a session-expiry signal (or re-login already
	// happened once). Carries the portal's message text.
	ErrDataUnavailable = errors.New("portal returned no data")

	// ErrClosed is returned when calling into a closed client.
	ErrClosed = errors.New("client is closed")
)
