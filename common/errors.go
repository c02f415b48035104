package common

import "errors"

var (
	ErrDiskFull = errors.New("disk full")
	ErrClosed   = errors.New("store closed")

	// ErrKeyTooLarge and ErrValueTooLarge enforce the 255-byte ceiling the
	// on-disk record format imposes: one length byte precedes each field.
	ErrKeyTooLarge   = errors.New("key exceeds 255 bytes")
	ErrValueTooLarge = errors.New("value exceeds 255 bytes")

	ErrInvariantViolation = errors.New("storage invariant violated")
	ErrCorrupt            = errors.New("corrupt page or file")
)

const MaxFieldLen = 255
