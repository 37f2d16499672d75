package recovery

import "context"

// ActivityProvider reports which transactions are currently executing. The
// live set decides which prepared transactions a pass must not touch; the
// outer-transaction queries resolve transactions initiated indirectly.
type ActivityProvider interface {
	// ActiveTransactionNumbers returns the transaction numbers of every
	// transaction currently executing anywhere in the cluster.
	ActiveTransactionNumbers(ctx context.Context) ([]uint64, error)

	// OuterTransactionInProgress reports whether the given outer
	// transaction is still running.
	OuterTransactionInProgress(xid uint64) bool

	// OuterTransactionDidCommit reports whether the given outer
	// transaction committed.
	OuterTransactionDidCommit(xid uint64) bool
}

// NoActivity is an ActivityProvider for deployments where the coordinator
// runs recovery only while no distributed transactions execute, e.g. during
// startup before accepting traffic.
type NoActivity struct{}

func (NoActivity) ActiveTransactionNumbers(context.Context) ([]uint64, error) { return nil, nil }
func (NoActivity) OuterTransactionInProgress(uint64) bool                     { return false }
func (NoActivity) OuterTransactionDidCommit(uint64) bool                      { return false }
