package limits

import "errors"

var (
	// ErrStoreUnavailable marks failures to reach the backing store
	// (connection refused, pool exhausted, transaction could not begin).
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUnsupportedChannelKind is returned when a subscriber's notification
	// type has no registered channel.
	ErrUnsupportedChannelKind = errors.New("unsupported channel kind")

	// ErrDecodeFailure marks an alert event payload that could not be decoded.
	ErrDecodeFailure = errors.New("decode failure")
)
