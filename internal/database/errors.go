package database

import "errors"

var (
	// ErrBadDimension is returned when a vector is not EmbeddingDim long.
	ErrBadDimension = errors.New("embedding vector must be 512-dimensional")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyResolved is returned when resolving a match that already
	// reached a terminal review status.
	ErrAlreadyResolved = errors.New("match already resolved")

	// ErrAlreadyClaimed is returned when another reviewer holds an unexpired
	// claim on a pending match.
	ErrAlreadyClaimed = errors.New("match claimed by another reviewer")
)
