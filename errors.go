package lease

import "errors"

// Lease coordination errors.
var (
	// ErrLeaseConflict indicates a file is already leased to a different holder.
	ErrLeaseConflict = errors.New("file already leased by another holder")

	// ErrLeaseNotFound indicates the holder or file has no lease.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrInconsistentIndex indicates the holder, file and expiry views of the
	// lease index disagree. It is a programming error.
	ErrInconsistentIndex = errors.New("lease index inconsistent")

	// ErrWriteLockNotHeld indicates a scan was attempted without the global write lock.
	ErrWriteLockNotHeld = errors.New("global write lock not held")

	// ErrFileNotFound indicates the leased file no longer exists in the namespace.
	ErrFileNotFound = errors.New("file not found")

	// ErrRecoveryInProgress indicates block recovery for the file is still running
	// and the file cannot be closed yet.
	ErrRecoveryInProgress = errors.New("lease recovery in progress")

	// ErrInvalidLeasePeriod indicates a negative soft or hard limit, or a
	// configured soft limit above the hard limit.
	ErrInvalidLeasePeriod = errors.New("invalid lease period")

	// ErrMonitorRunning indicates the expiry monitor is already started.
	ErrMonitorRunning = errors.New("lease monitor already running")
)
