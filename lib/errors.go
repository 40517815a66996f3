package lib

import "errors"

var (
	// ErrTimeout is delivered as a synthetic reply when a request outlives its deadline.
	ErrTimeout = errors.New("client request timed out")

	// ErrConnectionLost is delivered to outstanding requests when the connection goes away.
	ErrConnectionLost = errors.New("connection lost")

	// ErrAbandoned is delivered when a request is abandoned with a failure surfaced to its consumer.
	ErrAbandoned = errors.New("request abandoned")

	// ErrConnClosed is returned by writes on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrNoOutstanding is returned by an Agent with nothing left to wait for.
	ErrNoOutstanding = errors.New("no outstanding requests")

	// ErrFrameTooLarge is returned by the reader for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)
