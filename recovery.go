package lease

import "context"

// RecoveryResult is the outcome of a successful recovery attempt.
type RecoveryResult int

const (
	// RecoveryClosed means the file was closed and its lease can be released.
	RecoveryClosed RecoveryResult = iota

	// RecoveryPending means block recovery was started and the file stays
	// leased until a later scan finds it closable.
	RecoveryPending
)

func (r RecoveryResult) String() string {
	switch r {
	case RecoveryClosed:
		return "closed"
	case RecoveryPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Recoverer closes files whose writer went silent. It is called with the
// global write lock held and must not block on I/O; long work such as block
// recovery is started asynchronously and reported as RecoveryPending.
//
// Returning ErrFileNotFound makes the manager drop the file's lease. Any other
// error leaves the lease for the next scan.
type Recoverer interface {
	RecoverLease(ctx context.Context, holder string, id INodeID) (RecoveryResult, error)
}

// RecoverFunc adapts a function to the Recoverer interface.
type RecoverFunc func(ctx context.Context, holder string, id INodeID) (RecoveryResult, error)

// RecoverLease calls f.
func (f RecoverFunc) RecoverLease(ctx context.Context, holder string, id INodeID) (RecoveryResult, error) {
	return f(ctx, holder, id)
}

// ReleaseOnly is a Recoverer that reports every file closed. It is the
// default when no collaborator is configured.
var ReleaseOnly Recoverer = RecoverFunc(func(context.Context, string, INodeID) (RecoveryResult, error) {
	return RecoveryClosed, nil
})
