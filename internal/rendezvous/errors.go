package rendezvous

import "errors"

// Errors visible at the core boundary. The transport maps these onto
// protocol error frames; everything else is a store fault and fails the
// originating request unchanged.
var (
	// ErrCrowded is returned when a third side attempts to join a
	// nameplate or mailbox. The row is marked crowded and committed
	// before the error is surfaced.
	ErrCrowded = errors.New("crowded: too many sides")

	// ErrNoNameplate is returned when nameplate allocation exhausts its
	// retry budget. Callers may treat it as retryable.
	ErrNoNameplate = errors.New("no nameplate ids available")
)
