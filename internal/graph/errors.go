package graph

import "errors"

// Common errors returned by graph store implementations.
var (
	// ErrNotFound indicates that the requested node was not found.
	ErrNotFound = errors.New("node not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrFanOutExceeded indicates that creating an edge would exceed the
	// per-entity relationship cap.
	ErrFanOutExceeded = errors.New("relationship fan-out cap reached")
)
