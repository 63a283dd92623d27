package call

import "errors"

// Terminal error classes. All of them surface as StatusError with a
// human-readable message; transient issues (a single malformed channel
// event, a failed attachment parse) are absorbed by the producing component
// and never reach this taxonomy.
var (
	// ErrPermissionDenied means microphone acquisition was refused.
	// Terminal for the call; the user must retry.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrNegotiationFailed means the session negotiator rejected the offer
	// or the round-trip failed. Retryable by placing a new call.
	ErrNegotiationFailed = errors.New("session negotiation failed")

	// ErrConnectionFailed means the peer connection reached a failed state.
	ErrConnectionFailed = errors.New("peer connection failed")

	// ErrCallActive is returned when starting a call while another one is
	// still being set up by a concurrent caller.
	ErrCallActive = errors.New("a call is already active")
)
