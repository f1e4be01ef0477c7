package persist

import "errors"

var (
	// ErrDuplicate is returned by Create when the key already exists.
	ErrDuplicate = errors.New("persist: key already exists")

	// ErrInvalidConversion is returned by Get when the stored payload
	// cannot be decoded into the requested type.
	ErrInvalidConversion = errors.New("persist: stored value cannot be decoded into requested type")
)
