package protocol

import (
	"errors"

	"terragen.ai/internal/sim/noise"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Edit layer.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrInvalidArgument = "E_INVALID_ARGUMENT"
	ErrIndexOutOfRange = "E_INDEX_OUT_OF_RANGE"
	ErrUnknownOp       = "E_UNKNOWN_OP"
	ErrBusy            = "E_BUSY"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrInvalidArgument: {},
	ErrIndexOutOfRange: {},
	ErrUnknownOp:       {},
	ErrBusy:            {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps an engine error to its wire code.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, noise.ErrInvalidArgument):
		return ErrInvalidArgument
	case errors.Is(err, noise.ErrIndexOutOfRange):
		return ErrIndexOutOfRange
	default:
		return ErrInternal
	}
}
