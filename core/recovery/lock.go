package recovery

import "context"

// RecoveryLock serializes recovery passes. Acquisition blocks until the lock
// is free or the context is cancelled; there is deliberately no timeout.
type RecoveryLock interface {
	Lock(ctx context.Context) error
	Unlock()
}

// LocalRecoveryLock serializes passes within one process. Deployments with a
// shared catalog database use PGAdvisoryLock instead.
type LocalRecoveryLock struct {
	sem chan struct{}
}

// NewLocalRecoveryLock returns an unlocked lock.
func NewLocalRecoveryLock() *LocalRecoveryLock {
	return &LocalRecoveryLock{sem: make(chan struct{}, 1)}
}

// Lock blocks until the lock is acquired or ctx is cancelled.
func (l *LocalRecoveryLock) Lock(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the lock.
func (l *LocalRecoveryLock) Unlock() {
	<-l.sem
}
