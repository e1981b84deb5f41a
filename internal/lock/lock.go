// Package lock provides distributed locking mechanisms for coordinating
// work across multiple processes, backed by PostgreSQL session-level
// advisory locks.
package lock

import (
	"context"
)

// DistributedLock defines the interface for a distributed lock.
// A single instance is meant to be driven by one goroutine at a time.
type DistributedLock interface {
	// Acquire blocks until the lock is held or ctx is done.
	// It fails immediately with ErrAlreadyHeld if this instance already holds it.
	Acquire(ctx context.Context) error

	// Release releases the lock if it's held by this instance.
	// It's safe to call Release even if the lock is not held.
	Release(ctx context.Context) error

	// Ping verifies the session backing a held lock is still alive.
	// Returns ErrLockNotHeld if the lock is not held by this instance.
	Ping(ctx context.Context) error

	// IsLocked returns true if this instance currently holds the lock.
	IsLocked() bool
}
