package noise

import "errors"

var (
	// ErrInvalidArgument reports a grid dimension that is not divisible by a chunk size,
	// or another parameter outside its domain.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrIndexOutOfRange reports a layer index at or beyond the current layer count.
	ErrIndexOutOfRange = errors.New("index out of range")
)
