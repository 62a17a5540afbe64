package llm

import "errors"

var (
	ErrUnauthorized  = errors.New("llm unauthorized")
	ErrUnavailable   = errors.New("llm unavailable")
	ErrEgressBlocked = errors.New("egress blocked")
	ErrRateLimited   = errors.New("llm rate limited")

	// ErrMalformedStream is returned when the adapter cannot parse a
	// transport chunk as a complete wire event.
	ErrMalformedStream = errors.New("malformed stream chunk")
	// ErrDroppedStream is returned when the transport closes without
	// emitting a terminal event (message-stop, [DONE], or finish_reason).
	ErrDroppedStream = errors.New("stream closed without terminal event")
	// ErrContextTooLong is returned when the provider rejects a request
	// for exceeding its context window.
	ErrContextTooLong = errors.New("request exceeds provider context window")
)
