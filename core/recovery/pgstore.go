package recovery

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// recoveryLockKey is the advisory lock key serializing recovery passes that
// share a catalog database.
const recoveryLockKey = 0x5147524543 // "QGREC"

// PGRecordStore is the Postgres-backed RecordStore. One row per in-doubt
// transaction; inserts are committed immediately so a crash after PREPARE
// cannot lose the intent record.
type PGRecordStore struct {
	pool *pgxpool.Pool
}

// NewPGRecordStore wraps an existing pool.
func NewPGRecordStore(pool *pgxpool.Pool) *PGRecordStore {
	return &PGRecordStore{pool: pool}
}

// EnsureSchema creates the record table when missing.
func (s *PGRecordStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sqlgrid_dist_transaction (
			group_id  int NOT NULL,
			gid       text PRIMARY KEY,
			outer_xid bigint
		)`)
	if err != nil {
		return fmt.Errorf("failed to create recovery record table: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS sqlgrid_dist_transaction_group_idx
		ON sqlgrid_dist_transaction (group_id)`)
	if err != nil {
		return fmt.Errorf("failed to create recovery record index: %w", err)
	}
	return nil
}

// Insert registers a record.
func (s *PGRecordStore) Insert(ctx context.Context, record RecoveryRecord) error {
	var outerXID *int64
	if record.OuterXID != 0 {
		v := int64(record.OuterXID)
		outerXID = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sqlgrid_dist_transaction (group_id, gid, outer_xid) VALUES ($1, $2, $3)`,
		record.GroupID, record.GID, outerXID)
	if err != nil {
		return fmt.Errorf("failed to insert recovery record for %q: %w", record.GID, err)
	}
	return nil
}

// ScanByGroup returns the group's records in gid order.
func (s *PGRecordStore) ScanByGroup(ctx context.Context, groupID int32) ([]RecoveryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_id, gid, outer_xid FROM sqlgrid_dist_transaction WHERE group_id = $1 ORDER BY gid`,
		groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan recovery records for group %d: %w", groupID, err)
	}
	defer rows.Close()

	var records []RecoveryRecord
	for rows.Next() {
		var record RecoveryRecord
		var outerXID *int64
		if err := rows.Scan(&record.GroupID, &record.GID, &outerXID); err != nil {
			return nil, fmt.Errorf("failed to scan recovery record row: %w", err)
		}
		if outerXID != nil {
			record.OuterXID = uint64(*outerXID)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recovery records for group %d: %w", groupID, err)
	}
	return records, nil
}

// Delete removes one record by gid.
func (s *PGRecordStore) Delete(ctx context.Context, gid string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sqlgrid_dist_transaction WHERE gid = $1`, gid)
	if err != nil {
		return false, fmt.Errorf("failed to delete recovery record %q: %w", gid, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteByGroup removes every record of the group.
func (s *PGRecordStore) DeleteByGroup(ctx context.Context, groupID int32) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sqlgrid_dist_transaction WHERE group_id = $1`, groupID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete recovery records for group %d: %w", groupID, err)
	}
	return int(tag.RowsAffected()), nil
}

// PGAdvisoryLock serializes recovery passes through a Postgres advisory
// lock, so coordinators sharing a catalog database never run passes
// concurrently. Lock blocks without timeout; recovery is periodic and not
// latency-sensitive.
type PGAdvisoryLock struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
}

// NewPGAdvisoryLock wraps an existing pool.
func NewPGAdvisoryLock(pool *pgxpool.Pool) *PGAdvisoryLock {
	return &PGAdvisoryLock{pool: pool}
}

// Lock acquires the recovery lock, holding a dedicated connection until
// Unlock.
func (l *PGAdvisoryLock) Lock(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for recovery lock: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, int64(recoveryLockKey)); err != nil {
		conn.Release()
		return fmt.Errorf("failed to take recovery lock: %w", err)
	}
	l.conn = conn
	return nil
}

// Unlock releases the lock and the connection holding it.
func (l *PGAdvisoryLock) Unlock() {
	if l.conn == nil {
		return
	}
	// Use a fresh context: Unlock runs on error paths where the pass
	// context may already be cancelled.
	_, _ = l.conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, int64(recoveryLockKey))
	l.conn.Release()
	l.conn = nil
}

var _ RecordStore = (*PGRecordStore)(nil)
