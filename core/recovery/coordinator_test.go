package recovery

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sqlgrid/sqlgrid/config"
	"github.com/sqlgrid/sqlgrid/core/cluster"
	"github.com/sqlgrid/sqlgrid/core/remote"
	"github.com/sqlgrid/sqlgrid/internal/wiretest"
)

// stubActivity scripts the live transaction set and outer transaction fates.
type stubActivity struct {
	active          []uint64
	outerInProgress map[uint64]bool
	outerCommitted  map[uint64]bool
}

func (s *stubActivity) ActiveTransactionNumbers(context.Context) ([]uint64, error) {
	return s.active, nil
}

func (s *stubActivity) OuterTransactionInProgress(xid uint64) bool {
	return s.outerInProgress[xid]
}

func (s *stubActivity) OuterTransactionDidCommit(xid uint64) bool {
	return s.outerCommitted[xid]
}

func pendingQuery(coordinatorID string, groupID int32) string {
	return `SELECT gid FROM pg_prepared_xacts WHERE gid LIKE '` + coordinatorID +
		`\_` + strconv.FormatInt(int64(groupID), 10) + `\_%' AND database = current_database()`
}

func preparedTuples(gids ...string) *remote.Result {
	result := &remote.Result{Status: remote.ResultTuplesOK}
	for _, gid := range gids {
		result.Rows = append(result.Rows, []string{gid})
	}
	return result
}

type harness struct {
	conn     *wiretest.FakeConn
	dialer   *wiretest.FakeDialer
	store    *MemoryRecordStore
	activity *stubActivity
	coord    *Coordinator
	node     cluster.WorkerNode
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	node := cluster.WorkerNode{
		NodeID: 1, Host: "10.0.0.1", Port: 5432,
		GroupID: 2, Role: cluster.RolePrimary, Active: true,
	}

	conn := wiretest.NewFakeConn()
	dialer := wiretest.NewFakeDialer()
	dialer.Add(node.Address(), conn)

	store := NewMemoryRecordStore()
	activity := &stubActivity{
		outerInProgress: make(map[uint64]bool),
		outerCommitted:  make(map[uint64]bool),
	}

	coord, err := NewCoordinator(Options{
		CoordinatorID: "coord",
		Logger:        zap.NewNop(),
		Executor:      remote.NewExecutor(config.Config{}, zap.NewNop(), nil),
		Nodes:         cluster.NewStaticProvider([]cluster.WorkerNode{node}),
		Records:       store,
		Activity:      activity,
		Dialer:        dialer,
	})
	require.NoError(t, err)

	return &harness{conn: conn, dialer: dialer, store: store, activity: activity, coord: coord, node: node}
}

func (h *harness) sentCommands() []string {
	var out []string
	for _, command := range h.conn.Sent {
		if command != pendingQuery("coord", h.node.GroupID) {
			out = append(out, command)
		}
	}
	return out
}

func TestRecoverNothingPending(t *testing.T) {
	h := newHarness(t)

	count, err := h.coord.RecoverTwoPhaseCommits(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)

	// Only the two prepared transaction snapshots hit the worker.
	require.Equal(t, []string{
		pendingQuery("coord", h.node.GroupID),
		pendingQuery("coord", h.node.GroupID),
	}, h.conn.Sent)
}

func TestRecoverAbortsStalePreparedTransaction(t *testing.T) {
	h := newHarness(t)
	gid := BuildTransactionName("coord", h.node.GroupID, 123, 55, 3)
	h.conn.Handle(pendingQuery("coord", h.node.GroupID), preparedTuples(gid))

	count, err := h.coord.RecoverTwoPhaseCommits(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, []string{"ROLLBACK PREPARED '" + gid + "'"}, h.sentCommands())
}

func TestRecoverCommitsConfirmedTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gid := BuildTransactionName("coord", h.node.GroupID, 77, 10, 0)

	require.NoError(t, h.coord.LogTransactionRecord(ctx, h.node.GroupID, gid, 0))
	h.conn.Handle(pendingQuery("coord", h.node.GroupID), preparedTuples(gid))

	count, err := h.coord.RecoverTwoPhaseCommits(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, []string{"COMMIT PREPARED '" + gid + "'"}, h.sentCommands())

	records, err := h.store.ScanByGroup(ctx, h.node.GroupID)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestRecoverLeavesLiveTransactionAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gid := BuildTransactionName("coord", h.node.GroupID, 77, 42, 0)

	require.NoError(t, h.coord.LogTransactionRecord(ctx, h.node.GroupID, gid, 0))
	h.conn.Handle(pendingQuery("coord", h.node.GroupID), preparedTuples(gid))
	h.activity.active = []uint64{42}

	count, err := h.coord.RecoverTwoPhaseCommits(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Empty(t, h.sentCommands())

	records, err := h.store.ScanByGroup(ctx, h.node.GroupID)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRecoverSkipsTransactionPreparedMidPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gid := BuildTransactionName("coord", h.node.GroupID, 77, 10, 0)

	require.NoError(t, h.coord.LogTransactionRecord(ctx, h.node.GroupID, gid, 0))

	// The prepared transaction shows up only in the second snapshot, as if
	// it was prepared between the two observations.
	calls := 0
	h.conn.HandleFunc(func(command string) []*remote.Result {
		if command != pendingQuery("coord", h.node.GroupID) {
			return nil
		}
		calls++
		if calls == 1 {
			return []*remote.Result{preparedTuples()}
		}
		return []*remote.Result{preparedTuples(gid)}
	})

	count, err := h.coord.RecoverTwoPhaseCommits(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Empty(t, h.sentCommands())

	records, err := h.store.ScanByGroup(ctx, h.node.GroupID)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRecoverDropsRecordWithoutPreparedTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gid := BuildTransactionName("coord", h.node.GroupID, 77, 10, 0)

	require.NoError(t, h.coord.LogTransactionRecord(ctx, h.node.GroupID, gid, 0))

	count, err := h.coord.RecoverTwoPhaseCommits(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Empty(t, h.sentCommands())

	records, err := h.store.ScanByGroup(ctx, h.node.GroupID)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestRecoverShieldsRunningOuterTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gid := BuildTransactionName("coord", h.node.GroupID, 77, 10, 0)

	require.NoError(t, h.coord.LogTransactionRecord(ctx, h.node.GroupID, gid, 900))
	h.conn.Handle(pendingQuery("coord", h.node.GroupID), preparedTuples(gid))
	h.activity.outerInProgress[900] = true

	count, err := h.coord.RecoverTwoPhaseCommits(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Empty(t, h.sentCommands())

	records, err := h.store.ScanByGroup(ctx, h.node.GroupID)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRecoverAbortsWhenOuterTransactionAborted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gid := BuildTransactionName("coord", h.node.GroupID, 77, 10, 0)

	require.NoError(t, h.coord.LogTransactionRecord(ctx, h.node.GroupID, gid, 900))
	h.conn.Handle(pendingQuery("coord", h.node.GroupID), preparedTuples(gid))

	count, err := h.coord.RecoverTwoPhaseCommits(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, []string{"ROLLBACK PREPARED '" + gid + "'"}, h.sentCommands())
}

func TestRecoverSkipsUnreachableNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reachable := cluster.WorkerNode{
		NodeID: 2, Host: "10.0.0.2", Port: 5432,
		GroupID: 3, Role: cluster.RolePrimary, Active: true,
	}
	conn2 := wiretest.NewFakeConn()
	gid := BuildTransactionName("coord", reachable.GroupID, 1, 5, 0)
	conn2.Handle(pendingQuery("coord", reachable.GroupID), preparedTuples(gid))

	dialer := wiretest.NewFakeDialer()
	dialer.Add(reachable.Address(), conn2)
	// The first node has no scripted connection, so dialing it fails.

	coord, err := NewCoordinator(Options{
		CoordinatorID: "coord",
		Logger:        zap.NewNop(),
		Executor:      remote.NewExecutor(config.Config{}, zap.NewNop(), nil),
		Nodes:         cluster.NewStaticProvider([]cluster.WorkerNode{h.node, reachable}),
		Records:       NewMemoryRecordStore(),
		Activity:      h.activity,
		Dialer:        dialer,
	})
	require.NoError(t, err)

	count, err := coord.RecoverTwoPhaseCommits(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Contains(t, conn2.Sent, "ROLLBACK PREPARED '"+gid+"'")
}

func TestRecoverNodeQueryFailureSkipsNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.conn.Handle(pendingQuery("coord", h.node.GroupID), &remote.Result{
		Status:   remote.ResultFatalError,
		SQLState: "42P01",
		Message:  `relation "pg_prepared_xacts" does not exist`,
	})

	count, err := h.coord.RecoverTwoPhaseCommits(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRecoverCommitFailureStopsNodeOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gid := BuildTransactionName("coord", h.node.GroupID, 77, 10, 0)

	require.NoError(t, h.coord.LogTransactionRecord(ctx, h.node.GroupID, gid, 0))
	h.conn.Handle(pendingQuery("coord", h.node.GroupID), preparedTuples(gid))
	h.conn.Handle("COMMIT PREPARED '"+gid+"'", &remote.Result{
		Status:   remote.ResultNonFatalError,
		SQLState: "57014",
		Message:  "canceling statement due to statement timeout",
	})

	count, err := h.coord.RecoverTwoPhaseCommits(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	// The record survives so a later pass can retry the commit.
	records, err := h.store.ScanByGroup(ctx, h.node.GroupID)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRecoverSecondPassFindsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gid := BuildTransactionName("coord", h.node.GroupID, 77, 10, 0)

	require.NoError(t, h.coord.LogTransactionRecord(ctx, h.node.GroupID, gid, 0))

	remaining := []string{gid}
	h.conn.HandleFunc(func(command string) []*remote.Result {
		switch command {
		case pendingQuery("coord", h.node.GroupID):
			return []*remote.Result{preparedTuples(remaining...)}
		case "COMMIT PREPARED '" + gid + "'":
			remaining = nil
			return []*remote.Result{{Status: remote.ResultCommandOK, CommandTag: "COMMIT PREPARED"}}
		}
		return nil
	})

	count, err := h.coord.RecoverTwoPhaseCommits(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = h.coord.RecoverTwoPhaseCommits(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRecoverIgnoresForeignPreparedTransactions(t *testing.T) {
	h := newHarness(t)

	// A hand-created prepared transaction that happens to match the LIKE
	// pattern but does not parse must still be aborted; one from another
	// coordinator id never reaches us, the worker query filters it out.
	h.conn.Handle(pendingQuery("coord", h.node.GroupID),
		preparedTuples("coord_2_manual"))

	count, err := h.coord.RecoverTwoPhaseCommits(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, []string{"ROLLBACK PREPARED 'coord_2_manual'"}, h.sentCommands())
}

func TestRecoverOpensAllConnectionsBeforeQuerying(t *testing.T) {
	first := cluster.WorkerNode{
		NodeID: 1, Host: "10.0.0.1", Port: 5432,
		GroupID: 1, Role: cluster.RolePrimary, Active: true,
	}
	second := cluster.WorkerNode{
		NodeID: 2, Host: "10.0.0.2", Port: 5432,
		GroupID: 2, Role: cluster.RolePrimary, Active: true,
	}

	conn1 := wiretest.NewFakeConn()
	conn2 := wiretest.NewFakeConn()
	dialer := wiretest.NewFakeDialer()
	dialer.Add(first.Address(), conn1)
	dialer.Add(second.Address(), conn2)

	// Snapshot how many connections were open when the first node received
	// its first command.
	dialsBeforeFirstCommand := 0
	conn1.HandleFunc(func(string) []*remote.Result {
		if dialsBeforeFirstCommand == 0 {
			dialsBeforeFirstCommand = len(dialer.Dialed)
		}
		return nil
	})

	coord, err := NewCoordinator(Options{
		CoordinatorID: "coord",
		Logger:        zap.NewNop(),
		Executor:      remote.NewExecutor(config.Config{}, zap.NewNop(), nil),
		// Listed out of order on purpose; the provider sorts by node id.
		Nodes:    cluster.NewStaticProvider([]cluster.WorkerNode{second, first}),
		Records:  NewMemoryRecordStore(),
		Activity: &stubActivity{},
		Dialer:   dialer,
	})
	require.NoError(t, err)

	count, err := coord.RecoverTwoPhaseCommits(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)

	// Connections open in node listing order, and every one of them before
	// any node is queried. That fixed order is what rules out lock-order
	// deadlocks between concurrent coordinators.
	require.Equal(t, []string{first.Address(), second.Address()}, dialer.Dialed)
	require.Equal(t, 2, dialsBeforeFirstCommand)
}

func TestRecoverDialFailureWarnsOnce(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	coord, err := NewCoordinator(Options{
		CoordinatorID: "coord",
		Logger:        zap.New(core),
		Executor:      remote.NewExecutor(config.Config{}, zap.NewNop(), nil),
		Nodes: cluster.NewStaticProvider([]cluster.WorkerNode{{
			NodeID: 1, Host: "10.0.0.1", Port: 5432,
			GroupID: 1, Role: cluster.RolePrimary, Active: true,
		}}),
		Records:  NewMemoryRecordStore(),
		Activity: &stubActivity{},
		// No scripted connection registered: the dial fails.
		Dialer: wiretest.NewFakeDialer(),
	})
	require.NoError(t, err)

	count, err := coord.RecoverTwoPhaseCommits(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)

	entries := logs.FilterMessage("transaction recovery cannot connect to node").All()
	require.Len(t, entries, 1)
}

func TestDeleteWorkerTransactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.LogTransactionRecord(ctx, h.node.GroupID, "coord_2_1_1_0", 0))
	require.NoError(t, h.coord.LogTransactionRecord(ctx, h.node.GroupID, "coord_2_1_2_0", 0))

	require.NoError(t, h.coord.DeleteWorkerTransactions(ctx, &h.node))

	records, err := h.store.ScanByGroup(ctx, h.node.GroupID)
	require.NoError(t, err)
	require.Empty(t, records)

	// A nil node is tolerated.
	require.NoError(t, h.coord.DeleteWorkerTransactions(ctx, nil))
}

func TestLogTransactionRecordRejectsDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.LogTransactionRecord(ctx, h.node.GroupID, "coord_2_1_1_0", 0))
	require.Error(t, h.coord.LogTransactionRecord(ctx, h.node.GroupID, "coord_2_1_1_0", 0))
}
