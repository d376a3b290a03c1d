package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSharedStateClosed is returned once a shared state channel has been closed.
	ErrSharedStateClosed = errors.New("shared state closed")
	// ErrProfileNotFound is returned when an attempt is recorded against an identity with no stored profile.
	ErrProfileNotFound = errors.New("profile not found")
)

// StorageReadError reports that a profile could not be read from any backing store.
type StorageReadError struct {
	IdentityID string
	Err        error
}

func (e *StorageReadError) Error() string {
	return fmt.Sprintf("profile read failed for %s: %v", e.IdentityID, e.Err)
}

func (e *StorageReadError) Unwrap() error { return e.Err }

// StorageWriteError reports that a profile patch could not be persisted.
type StorageWriteError struct {
	IdentityID string
	Err        error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("profile write failed for %s: %v", e.IdentityID, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

// RemoteSyncError reports that a coalesced profile write was abandoned after retrying.
type RemoteSyncError struct {
	IdentityID string
	Keys       []string
	Attempts   int
	Err        error
}

func (e *RemoteSyncError) Error() string {
	return fmt.Sprintf("remote sync abandoned for %s after %d attempts (keys=%s): %v",
		e.IdentityID, e.Attempts, strings.Join(e.Keys, ","), e.Err)
}

func (e *RemoteSyncError) Unwrap() error { return e.Err }
