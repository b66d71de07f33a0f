// Package errs holds the error taxonomy shared by every sketch in this module.
//
// Construction problems surface as ErrInvalidParameter, incompatible merge
// operands as ErrDimensionMismatch, and malformed persisted state as
// ErrCorruptState. Packages wrap these sentinels with context using %w, so
// callers should test with errors.Is.
package errs

import "errors"

var (
	// ErrInvalidParameter is returned by constructors when a size, rate,
	// precision or compression parameter is out of range. Parameters are
	// never clamped.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrDimensionMismatch is returned by Merge/Union when the operands
	// differ in shape, seeds or hash function.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrCorruptState is returned by UnmarshalBinary on malformed input.
	// The receiver is left untouched.
	ErrCorruptState = errors.New("corrupt state")
)
