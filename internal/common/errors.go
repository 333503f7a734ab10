package common

import (
	"errors"
	"fmt"
)

// Build failures. Every one of them aborts the build; no partial mosaic is written.
var (
	// ErrInvalidAOI marks a degenerate area of interest (zero width or height after reprojection)
	ErrInvalidAOI = errors.New("invalid area of interest")

	// ErrNoImageryAvailable marks an empty catalog listing for the requested window
	ErrNoImageryAvailable = errors.New("no imagery available")

	// ErrUnknownTile marks a footprint lookup miss
	ErrUnknownTile = errors.New("unknown tile")

	// ErrFetchFailed marks a patch fetch that exhausted its retries
	ErrFetchFailed = errors.New("fetch failed")

	// ErrWriteFailed marks a rejected output raster
	ErrWriteFailed = errors.New("write failed")

	// ErrRequestRejected marks a provider answer that will not change on retry
	// (bad band, missing asset, denied permission)
	ErrRequestRejected = errors.New("request rejected")
)

// UnknownTileError names the scene whose footprint could not be found
type UnknownTileError struct {
	SceneID string
	Key     string
}

func (e *UnknownTileError) Error() string {
	return fmt.Sprintf("%v: no footprint for tile %q (scene %s)", ErrUnknownTile, e.Key, e.SceneID)
}

func (e *UnknownTileError) Unwrap() error { return ErrUnknownTile }

// FetchError names the scene and patch whose fetch could not be completed
type FetchError struct {
	SceneID  string
	PatchX   int
	PatchY   int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%v: scene %s patch (%d,%d) after %d attempts: %v",
		ErrFetchFailed, e.SceneID, e.PatchX, e.PatchY, e.Attempts, e.Err)
}

// Unwrap exposes both the sentinel and the last transport error
func (e *FetchError) Unwrap() []error { return []error{ErrFetchFailed, e.Err} }
