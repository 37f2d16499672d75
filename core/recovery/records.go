// Package recovery implements the two-phase-commit recovery coordinator: it
// reconciles the durable log of transactions prepared on remote nodes
// against each node's actual prepared-transaction state and finalizes every
// in-doubt transaction as committed or aborted.
package recovery

import "context"

// RecoveryRecord registers that this coordinator prepared a transaction on a
// node group and that it must eventually be finalized. The record is written
// only after the remote PREPARE succeeds, so its presence is the sole
// durable evidence of commit intent: record plus remote prepared transaction
// means commit, absence of a record means abort.
type RecoveryRecord struct {
	GroupID int32
	GID     string

	// OuterXID links transactions initiated under an outer transaction;
	// zero when there is none.
	OuterXID uint64
}

// RecordStore is the durable store of recovery records. Inserts must be
// visible to the same process immediately.
type RecordStore interface {
	// Insert registers a record. Inserting an existing gid is an error.
	Insert(ctx context.Context, record RecoveryRecord) error

	// ScanByGroup returns all records for a node group, ordered by gid.
	ScanByGroup(ctx context.Context, groupID int32) ([]RecoveryRecord, error)

	// Delete removes the record for gid, reporting whether it existed.
	Delete(ctx context.Context, gid string) (bool, error)

	// DeleteByGroup removes every record for a node group and returns how
	// many were removed. Used when a node group leaves the cluster.
	DeleteByGroup(ctx context.Context, groupID int32) (int, error)
}
