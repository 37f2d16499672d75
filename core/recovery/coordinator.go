package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sqlgrid/sqlgrid/core/cluster"
	"github.com/sqlgrid/sqlgrid/core/remote"
)

// Options wires a Coordinator's collaborators.
type Options struct {
	// CoordinatorID prefixes every prepared transaction name this
	// coordinator creates and recovers.
	CoordinatorID string

	Logger   *zap.Logger
	Executor *remote.Executor
	Nodes    cluster.NodeProvider
	Records  RecordStore
	Activity ActivityProvider
	Dialer   remote.Dialer
	Lock     RecoveryLock
	Meter    metric.Meter
}

// Coordinator runs two-phase-commit recovery passes. A pass is stateless and
// re-entrant: it is meant to be invoked periodically and on demand, and two
// passes never run concurrently thanks to the recovery lock.
type Coordinator struct {
	coordinatorID string
	logger        *zap.Logger
	exec          *remote.Executor
	nodes         cluster.NodeProvider
	records       RecordStore
	activity      ActivityProvider
	dialer        remote.Dialer
	lock          RecoveryLock
	metrics       *passMetrics
}

// NewCoordinator validates the options and builds a Coordinator.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Executor == nil {
		return nil, errors.New("recovery: executor required")
	}
	if opts.Nodes == nil {
		return nil, errors.New("recovery: node provider required")
	}
	if opts.Records == nil {
		return nil, errors.New("recovery: record store required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("recovery: dialer required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	activity := opts.Activity
	if activity == nil {
		activity = NoActivity{}
	}
	lock := opts.Lock
	if lock == nil {
		lock = NewLocalRecoveryLock()
	}
	coordinatorID := opts.CoordinatorID
	if coordinatorID == "" {
		coordinatorID = "sqlgrid"
	}

	metrics, err := newPassMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("recovery: failed to register metrics: %w", err)
	}

	return &Coordinator{
		coordinatorID: coordinatorID,
		logger:        logger,
		exec:          opts.Executor,
		nodes:         opts.Nodes,
		records:       opts.Records,
		activity:      activity,
		dialer:        opts.Dialer,
		lock:          lock,
		metrics:       metrics,
	}, nil
}

// LogTransactionRecord registers that a transaction has been prepared on a
// node group. The record's presence is what later tells recovery to commit
// rather than abort, so it must be written right after the remote PREPARE
// succeeds.
func (c *Coordinator) LogTransactionRecord(ctx context.Context, groupID int32, gid string, outerXID uint64) error {
	if err := c.records.Insert(ctx, RecoveryRecord{GroupID: groupID, GID: gid, OuterXID: outerXID}); err != nil {
		return err
	}
	c.logger.Debug("logged transaction record", zap.Int32("group_id", groupID), zap.String("gid", gid))
	return nil
}

// DeleteWorkerTransactions drops all recovery records of a node's group.
// Meant to be called when the node is removed from the cluster. A nil node
// is tolerated: leaving stale records behind beats crashing mid-removal.
func (c *Coordinator) DeleteWorkerTransactions(ctx context.Context, node *cluster.WorkerNode) error {
	if node == nil {
		return nil
	}
	removed, err := c.records.DeleteByGroup(ctx, node.GroupID)
	if err != nil {
		return err
	}
	if removed > 0 {
		c.logger.Info("deleted recovery records for removed node",
			zap.Int32("group_id", node.GroupID), zap.Int("records", removed))
	}
	return nil
}

// RecoverTwoPhaseCommits runs one recovery pass over every active primary
// node and returns the number of prepared transactions finalized. Nodes that
// cannot be reached contribute zero and the pass continues; only
// cancellation, process shutdown, and record store failures abort the pass,
// preserving partial progress in the returned count.
func (c *Coordinator) RecoverTwoPhaseCommits(ctx context.Context) (int, error) {
	start := time.Now()

	// Serialize passes first; concurrent sweeps would race on the record
	// store and on each other's COMMIT/ROLLBACK decisions.
	if err := c.lock.Lock(ctx); err != nil {
		return 0, err
	}
	defer c.lock.Unlock()

	c.metrics.passesCounter.Add(ctx, 1)
	defer func() {
		c.metrics.durationSeconds.Record(ctx, time.Since(start).Seconds())
	}()

	nodes, err := c.nodes.ActivePrimaryNodes()
	if err != nil {
		return 0, fmt.Errorf("failed to list active primary nodes: %w", err)
	}

	// Pre-establish all connections, in listing order, before touching any
	// per-node catalog state. Connection setup performs its own catalog
	// lookups; doing it upfront keeps the lock acquisition order identical
	// across concurrent callers and rules out lock-order deadlocks.
	connections := make([]*remote.NodeConnection, len(nodes))
	for i, node := range nodes {
		conn, err := c.dialer.Dial(ctx, node)
		if err != nil {
			// Validity is re-checked per node below; an unreachable
			// node only costs its own transactions a pass.
			c.logger.Warn("transaction recovery cannot connect to node",
				zap.String("node", node.Address()), zap.Error(err))
			continue
		}
		connections[i] = conn
	}
	defer func() {
		for _, conn := range connections {
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()

	recoveredTransactionCount := 0
	for i, node := range nodes {
		count, err := c.recoverWorkerTransactions(ctx, node, connections[i])
		recoveredTransactionCount += count
		if err != nil {
			return recoveredTransactionCount, err
		}
	}

	return recoveredTransactionCount, nil
}

// recoverWorkerTransactions recovers the pending prepared transactions this
// coordinator started on one worker.
func (c *Coordinator) recoverWorkerTransactions(ctx context.Context, node cluster.WorkerNode, conn *remote.NodeConnection) (int, error) {
	if conn == nil {
		// The failed dial was already logged when connections were opened.
		c.metrics.unreachableNodes.Add(ctx, 1)
		return 0, nil
	}
	if conn.Status() != remote.StatusOK {
		c.metrics.unreachableNodes.Add(ctx, 1)
		c.logger.Warn("transaction recovery cannot connect to node",
			zap.String("node", node.Address()))
		return 0, nil
	}

	// Some prepared transactions on the worker may belong to transactions
	// that are still executing. Rather than blocking new prepares for the
	// duration of the pass, observe in a carefully chosen order:
	//
	//   1) P = prepared transactions on the worker
	//   2) A = active transaction numbers
	//   3) T = recovery record snapshot
	//   4) Q = prepared transactions on the worker, again
	//
	// Observing A after P gives a conclusive answer to which transactions
	// seen in P are still in progress: P - A is safe to recover based on
	// the presence or absence of a record in T.
	//
	// A record in T without a prepared transaction in P normally means the
	// transaction committed. But a transaction may have prepared and
	// committed entirely between steps 1 and 2; deleting its record then
	// would leave any of its unfinished prepared transactions to be
	// wrongly aborted later. Such transactions show up in Q but not in P,
	// and are left for the next pass.

	pendingList, err := c.pendingWorkerTransactionList(ctx, conn, node.GroupID)
	if err != nil {
		return c.nodeQueryFailure(node, err)
	}
	pendingSet := make(map[string]struct{}, len(pendingList))
	for _, gid := range pendingList {
		pendingSet[gid] = struct{}{}
	}

	activeNumbers, err := c.activity.ActiveTransactionNumbers(ctx)
	if err != nil {
		// Without the live set no decision is safe; skip the node.
		c.logger.Warn("failed to list active transactions, skipping node",
			zap.String("node", node.Address()), zap.Error(err))
		return 0, nil
	}
	activeSet := make(map[uint64]struct{}, len(activeNumbers))
	for _, number := range activeNumbers {
		activeSet[number] = struct{}{}
	}

	records, err := c.records.ScanByGroup(ctx, node.GroupID)
	if err != nil {
		return 0, err
	}

	recheckList, err := c.pendingWorkerTransactionList(ctx, conn, node.GroupID)
	if err != nil {
		return c.nodeQueryFailure(node, err)
	}
	recheckSet := make(map[string]struct{}, len(recheckList))
	for _, gid := range recheckList {
		recheckSet[gid] = struct{}{}
	}

	recoveredTransactionCount := 0
	recoveryFailed := false

	for _, record := range records {
		if c.transactionInProgress(activeSet, record.GID) {
			// Do not touch in-progress transactions: we might commit
			// one that is actually aborting, or vice versa.
			continue
		}

		if record.OuterXID != 0 {
			outerInProgress := c.activity.OuterTransactionInProgress(record.OuterXID)
			outerDidCommit := c.activity.OuterTransactionDidCommit(record.OuterXID)
			if outerInProgress && !outerDidCommit {
				// The outer transaction has not committed yet, so
				// this one must not commit either. Shield it from the
				// abort sweep below.
				delete(pendingSet, record.GID)
				continue
			}
			if !outerInProgress && !outerDidCommit {
				// The outer transaction aborted: leave the record out
				// of the accounting so the prepared transaction is
				// aborted by the sweep below.
				continue
			}
		}

		_, foundBefore := pendingSet[record.GID]
		delete(pendingSet, record.GID)
		_, foundAfter := recheckSet[record.GID]

		if foundBefore && foundAfter {
			// The transaction committed but its prepared transaction
			// still exists on the worker; both snapshots agree.
			ok, err := c.recoverPreparedTransactionOnWorker(ctx, conn, node, record.GID, true)
			if err != nil {
				return recoveredTransactionCount, err
			}
			if !ok {
				// Stop this node without failing the pass, so the
				// other workers still get their turn.
				recoveryFailed = true
				break
			}
			recoveredTransactionCount++
			c.metrics.recordResolved(ctx, "commit")
		} else if foundAfter {
			// Prepared after the first snapshot: the transaction may
			// still be mid-commit, or may have failed to finish its
			// prepared transactions. Either way the record must
			// survive; leave everything for the next pass.
			c.metrics.skippedCounter.Add(ctx, 1)
			continue
		}

		// Either we just committed it, or no prepared transaction exists
		// anymore and it must have been resolved earlier. The record has
		// served its purpose.
		if _, err := c.records.Delete(ctx, record.GID); err != nil {
			return recoveredTransactionCount, err
		}
	}

	if recoveryFailed {
		return recoveredTransactionCount, nil
	}

	// Whatever remains in P has no recovery record and is not live: the
	// coordinator never confirmed preparation, so the transaction must be
	// aborted.
	remaining := make([]string, 0, len(pendingSet))
	for gid := range pendingSet {
		remaining = append(remaining, gid)
	}
	sort.Strings(remaining)

	for _, gid := range remaining {
		if c.transactionInProgress(activeSet, gid) {
			continue
		}
		ok, err := c.recoverPreparedTransactionOnWorker(ctx, conn, node, gid, false)
		if err != nil {
			return recoveredTransactionCount, err
		}
		if !ok {
			break
		}
		recoveredTransactionCount++
		c.metrics.recordResolved(ctx, "abort")
	}

	return recoveredTransactionCount, nil
}

// nodeQueryFailure classifies a failed informational query: cancellation and
// shutdown abort the pass, anything else is that node's problem alone.
func (c *Coordinator) nodeQueryFailure(node cluster.WorkerNode, err error) (int, error) {
	if remote.Interrupted(err) || errors.Is(err, remote.ErrShutdown) {
		return 0, err
	}
	c.logger.Warn("failed to query prepared transactions, skipping node",
		zap.String("node", node.Address()), zap.Error(err))
	return 0, nil
}

// pendingWorkerTransactionList returns the gids of prepared transactions on
// the worker that were started by this coordinator for the given group.
func (c *Coordinator) pendingWorkerTransactionList(ctx context.Context, conn *remote.NodeConnection, groupID int32) ([]string, error) {
	command := fmt.Sprintf(
		`SELECT gid FROM pg_prepared_xacts WHERE gid LIKE '%s\_%d\_%%' AND database = current_database()`,
		c.coordinatorID, groupID)

	result, err := c.exec.ExecuteOptionalRemoteCommand(ctx, conn, command)
	if err != nil {
		return nil, err
	}

	transactionNames := remote.ReadFirstColumnAsText(result)
	c.exec.ForgetResults(ctx, conn)

	return transactionNames, nil
}

// transactionInProgress reports whether the transaction a prepared
// transaction name belongs to is still executing. Unparsable names, e.g.
// hand-inserted records, are never in progress.
func (c *Coordinator) transactionInProgress(activeSet map[uint64]struct{}, transactionName string) bool {
	parsed, ok := ParseTransactionName(transactionName)
	if !ok {
		return false
	}
	_, inProgress := activeSet[parsed.TransactionNumber]
	return inProgress
}

// recoverPreparedTransactionOnWorker finalizes a single prepared transaction.
// It returns false on a node-local failure, and an error only for
// cancellation or process shutdown.
func (c *Coordinator) recoverPreparedTransactionOnWorker(ctx context.Context, conn *remote.NodeConnection, node cluster.WorkerNode, transactionName string, shouldCommit bool) (bool, error) {
	var command string
	if shouldCommit {
		command = "COMMIT PREPARED " + quoteLiteral(transactionName)
	} else {
		command = "ROLLBACK PREPARED " + quoteLiteral(transactionName)
	}

	_, err := c.exec.ExecuteOptionalRemoteCommand(ctx, conn, command)
	if err != nil {
		if remote.Interrupted(err) || errors.Is(err, remote.ErrShutdown) {
			return false, err
		}
		return false, nil
	}
	c.exec.ForgetResults(ctx, conn)

	c.logger.Info("recovered a prepared transaction",
		zap.String("node", node.Address()), zap.String("command", command))

	return true, nil
}
