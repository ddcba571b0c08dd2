package domain

import "errors"

var (
	// ErrMissingCoordinates indicates the activity lacks a start or end point.
	ErrMissingCoordinates = errors.New("activity start or end coordinates missing")
	// ErrMissingPath indicates a closed-loop activity carries no encoded path.
	ErrMissingPath = errors.New("activity path missing")
	// ErrInvalidPath indicates the encoded path could not be decoded.
	ErrInvalidPath = errors.New("activity path could not be decoded")
	// ErrSyncFailed wraps persistence failures during a capture.
	ErrSyncFailed = errors.New("activity sync failed")
	// ErrUserNotFound is returned by read accessors for unknown users.
	ErrUserNotFound = errors.New("user not found")
)
