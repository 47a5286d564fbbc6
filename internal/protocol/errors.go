package protocol

import "errors"

var (
	ErrDecode         = errors.New("protocol: decode failed")
	ErrMissingType    = errors.New("protocol: missing type discriminator")
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrMissingField   = errors.New("protocol: missing required field")
	ErrInvalidMessage = errors.New("protocol: invalid outbound message")
)
