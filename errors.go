// Package engraver writes disk images to removable block devices.
//
// The heavy lifting lives in the sub packages: source (lazy byte streams
// over files, HTTP and compressed inputs), device (raw device access with
// direct I/O), writer (the block pump), verify (read-back and checksum
// verification), checkpoint (durable resume records) and detect (drive
// enumeration and system drive protection), with the operations package
// composing them into whole jobs. This package holds what they all share:
// the error taxonomy and size formatting.
package engraver

import (
	"errors"
	"fmt"
	"syscall"
)

// Sentinel errors for conditions which carry no extra state. Callers test
// for them with errors.Is after any amount of wrapping.
var (
	// ErrSourceNotFound - the source file or URL doesn't exist
	ErrSourceNotFound = errors.New("source not found")

	// ErrDeviceNotFound - the target device doesn't exist
	ErrDeviceNotFound = errors.New("device not found")

	// ErrSystemDriveProtection - refusing to write to a system drive
	ErrSystemDriveProtection = errors.New("refusing to write to system drive")

	// ErrPermissionDenied - raw device access needs elevated privileges
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDeviceBusy - the device is locked or has mounted filesystems
	ErrDeviceBusy = errors.New("device busy")

	// ErrUnmountFailed - couldn't detach the mounted filesystems
	ErrUnmountFailed = errors.New("unmount failed")

	// ErrCancelled - the operation was cancelled
	ErrCancelled = errors.New("operation cancelled")

	// ErrNotResumable - the source can't produce bytes from an arbitrary
	// offset (streaming decompressors, servers without range support)
	ErrNotResumable = errors.New("source does not support resume")

	// ErrInvalidConfig - a configuration value is out of range
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidData - persisted state can't be understood (eg a
	// checkpoint written by a newer version)
	ErrInvalidData = errors.New("invalid data")

	// ErrDecompression - the compressed stream is corrupt
	ErrDecompression = errors.New("decompression error")
)

// PartialWriteError is returned when the device accepted fewer bytes than
// were issued and retries are exhausted.
type PartialWriteError struct {
	Expected int // bytes issued
	Actual   int // bytes the device accepted
}

// Error satisfies the error interface
func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write: expected %d bytes, wrote %d bytes", e.Expected, e.Actual)
}

// VerificationError is returned when verification after a write finds
// that the device contents differ from the source. Expected and Actual
// name the two sides that were compared; the differing byte values are
// not carried.
type VerificationError struct {
	Offset   int64  // offset of the first mismatching byte, -1 when the mismatch was found by checksum
	Expected string // the side that was expected, eg "source bytes"
	Actual   string // the side that was read back, eg "device bytes"
}

// Error satisfies the error interface
func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed at offset %d: expected %s, got %s", e.Offset, e.Expected, e.Actual)
}

// ChecksumMismatchError is returned when a computed digest doesn't match
// the expected one.
type ChecksumMismatchError struct {
	Expected string // expected digest as lowercase hex
	Actual   string // computed digest as lowercase hex
}

// Error satisfies the error interface
func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// SizeMismatchError is returned when the source is larger than the target
// device.
type SizeMismatchError struct {
	SourceSize int64
	TargetSize int64
}

// Error satisfies the error interface
func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: source is %d bytes, target is %d bytes", e.SourceSize, e.TargetSize)
}

// AlignmentError is returned by direct I/O reads and writes whose offset
// isn't a multiple of the device's logical block size. Lengths that
// aren't a multiple are padded through the bounce buffer instead.
type AlignmentError struct {
	Detail string
}

// Error satisfies the error interface
func (e *AlignmentError) Error() string {
	return "alignment error: " + e.Detail
}

// NetworkError is returned for HTTP failures on remote sources.
type NetworkError struct {
	Status int    // HTTP status code, 0 for transport errors
	Detail string // status line or a snippet of the error body
}

// Error satisfies the error interface
func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("network error: %d %s", e.Status, e.Detail)
	}
	return "network error: " + e.Detail
}

// temporarier is an error which knows whether it is transient
type temporarier interface {
	Temporary() bool
}

// IsRetriable reports whether err is worth retrying at the block level.
//
// Cancellation, alignment problems and configuration problems are never
// retried. Partial writes always are - the device accepted some bytes so
// the next attempt may accept the rest. Everything else is inspected for
// a Temporary method or a transient errno anywhere in the unwrap chain.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrInvalidConfig) {
		return false
	}
	var alignErr *AlignmentError
	if errors.As(err, &alignErr) {
		return false
	}
	var partialErr *PartialWriteError
	if errors.As(err, &partialErr) {
		return true
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if t, ok := e.(temporarier); ok && t.Temporary() {
			return true
		}
		var errno syscall.Errno
		if errors.As(e, &errno) {
			switch errno {
			case syscall.EAGAIN, syscall.EINTR, syscall.EBUSY, syscall.EIO, syscall.ETIMEDOUT:
				return true
			}
			return false
		}
	}
	// Plain I/O errors from a device are assumed transient - the write
	// loop re-seeks and tries the same block again a bounded number of
	// times before giving up.
	return true
}
