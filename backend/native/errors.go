// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import "errors"

// Package errors for the wgpu backend.
var (
	// ErrNilDevice is returned when a nil device or queue is supplied.
	ErrNilDevice = errors.New("native: nil device or queue")

	// ErrNilProvider is returned by FromProvider for a nil provider.
	ErrNilProvider = errors.New("native: nil device provider")

	// ErrNoHAL is returned when a provider does not expose HAL types.
	ErrNoHAL = errors.New("native: provider does not expose HAL device and queue")

	// ErrBadStream is returned for a stream index outside the tracker.
	ErrBadStream = errors.New("native: stream index out of range")
)
