package remote

import (
	"context"

	"go.uber.org/zap"
)

// waitEventSet fans readiness notifications from a fixed set of pending
// connections into one channel, alongside the two process-level sentinels
// (shutdown and cancellation) handled by the caller's select. Membership is
// fixed at build time: when a connection becomes ready and leaves the waited
// set, the caller rebuilds the whole set. That rebuild is a deliberate,
// explicit cost rather than hidden per-wait overhead.
type waitEventSet struct {
	events chan int
	stop   chan struct{}
}

// buildWaitEventSet registers one forwarder per pending connection. The
// forwarded value is the connection's index in the conns slice passed here.
func buildWaitEventSet(conns []*NodeConnection) *waitEventSet {
	ws := &waitEventSet{
		events: make(chan int, len(conns)),
		stop:   make(chan struct{}),
	}
	for i, conn := range conns {
		go func(index int, c *NodeConnection) {
			for {
				select {
				case <-ws.stop:
					return
				case <-c.IOReady():
				}
				select {
				case <-ws.stop:
					return
				case ws.events <- index:
				}
			}
		}(i, conn)
	}
	return ws
}

// free releases the registrations. It must run on every exit path so that
// forwarder goroutines never outlive the wait.
func (ws *waitEventSet) free() {
	close(ws.stop)
}

// WaitForAllConnections blocks until every connection in the list is no
// longer busy, meaning its pending command has either finished or failed.
//
// If the context is cancelled, a best-effort cancel request is sent for every
// command still in flight. With raiseInterrupts set the wait then fails with
// ErrInterrupted; without it, the remaining busy connections are marked failed
// and the wait returns without error. Process shutdown always fails the wait
// with ErrShutdown.
func (e *Executor) WaitForAllConnections(ctx context.Context, connections []*NodeConnection, raiseInterrupts bool) error {
	// Initial pass: failed and idle connections need no waiting.
	var pending []*NodeConnection
	for _, conn := range connections {
		if conn.Status() == StatusBad || !conn.IsBusy() {
			continue
		}
		pending = append(pending, conn)
	}

	var waitSet *waitEventSet
	defer func() {
		if waitSet != nil {
			waitSet.free()
		}
	}()

	rebuildWaitSet := true
	for len(pending) > 0 {
		if rebuildWaitSet {
			if waitSet != nil {
				waitSet.free()
				waitSet = nil
			}

			// Readiness signals raised while no set was registered were
			// dropped, so re-check every pending connection before
			// blocking again.
			remaining := pending[:0]
			for _, conn := range pending {
				if !connectionProgressed(conn) {
					remaining = append(remaining, conn)
				}
			}
			pending = remaining
			if len(pending) == 0 {
				break
			}

			waitSet = buildWaitEventSet(pending)
			rebuildWaitSet = false
		}

		select {
		case <-e.shutdown:
			return ErrShutdown

		case <-ctx.Done():
			// Ask the servers to stop working on the abandoned commands.
			for _, conn := range pending {
				conn.CancelRequest()
			}
			if raiseInterrupts {
				return ErrInterrupted
			}
			for _, conn := range pending {
				conn.MarkFailed()
			}
			return nil

		case index := <-waitSet.events:
			conn := pending[index]
			if connectionProgressed(conn) {
				pending = append(pending[:index], pending[index+1:]...)
				rebuildWaitSet = true
			}
		}
	}

	return nil
}

// connectionProgressed performs the per-wake I/O steps and reports whether
// the connection has reached a ready state: result fully received, or socket
// broken.
func connectionProgressed(conn *NodeConnection) bool {
	if conn.Flush() == FlushFailed {
		return true
	}
	if !conn.ConsumeInput() {
		return true
	}
	return !conn.IsBusy()
}

// finishConnectionIO performs pending I/O for one connection, honoring the
// cancellation policy the same way WaitForAllConnections does. It returns
// true when all outbound bytes are flushed and the next result, if any, can
// be picked up without blocking.
func (e *Executor) finishConnectionIO(ctx context.Context, conn *NodeConnection, raiseInterrupts bool) (bool, error) {
	if raiseInterrupts && ctx.Err() != nil {
		return false, ErrInterrupted
	}

	for {
		flushStatus := conn.Flush()
		if flushStatus == FlushFailed {
			return false, nil
		}
		if !conn.ConsumeInput() {
			return false, nil
		}
		if flushStatus == FlushDone && !conn.IsBusy() {
			return true, nil
		}

		select {
		case <-e.shutdown:
			return false, ErrShutdown

		case <-ctx.Done():
			conn.CancelRequest()
			if raiseInterrupts {
				return false, ErrInterrupted
			}
			conn.MarkFailed()
			return false, nil

		case <-conn.IOReady():
		}
	}
}

// warnConnectionBroken logs a socket-level failure on conn.
func (e *Executor) warnConnectionBroken(conn *NodeConnection) {
	e.logger.Warn("connection to remote node broke",
		zap.String("node", conn.Address()),
		zap.String("user", conn.User),
		zap.String("connection_id", conn.ConnectionID))
}
