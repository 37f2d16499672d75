package remote

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// SendRemoteCommand queues a command on the connection without blocking. It
// returns false when the connection is not in a usable state; this is
// deliberately distinguishable from a remote error, which arrives later as a
// not-OK result.
func (e *Executor) SendRemoteCommand(conn *NodeConnection, command string) bool {
	e.logRemoteCommand(conn, command)

	if conn.Status() != StatusOK {
		return false
	}
	return conn.SendQuery(command)
}

// GetRemoteCommandResult retrieves the next result, driving connection I/O
// through the multiplexer while the connection is busy. It returns nil when
// no more results are pending.
//
// If raiseInterrupts is set and the context is cancelled, ErrInterrupted is
// returned. Otherwise cancellation marks the connection's transaction failed
// and a nil result is returned, which callers treat as a failure.
func (e *Executor) GetRemoteCommandResult(ctx context.Context, conn *NodeConnection, raiseInterrupts bool) (*Result, error) {
	// Short circuit the expensive path: a non-busy connection can hand
	// over its buffered result immediately.
	if !conn.IsBusy() {
		return conn.NextResult(), nil
	}

	done, err := e.finishConnectionIO(ctx, conn, raiseInterrupts)
	if err != nil {
		return nil, err
	}
	if !done {
		if conn.Status() == StatusBad {
			e.warnConnectionBroken(conn)
			return &Result{Status: ResultFatalError, Message: "connection not open"}, nil
		}
		return nil, nil
	}

	return conn.NextResult(), nil
}

// ForgetResults clears a connection from pending activity, discarding
// everything. This might require network I/O; if that is not acceptable use
// ClearResultsIfReady.
func (e *Executor) ForgetResults(ctx context.Context, conn *NodeConnection) {
	_, _ = e.ClearResults(ctx, conn, false)
}

// ClearResults consumes and discards all outstanding results, returning true
// if every pending command succeeded. With raiseErrors set, the first not-OK
// result is returned as an error instead of a warning.
func (e *Executor) ClearResults(ctx context.Context, conn *NodeConnection, raiseErrors bool) (bool, error) {
	return e.clearResults(ctx, conn, raiseErrors, false)
}

// ClearResultsDiscardWarnings behaves like ClearResults but stays silent
// about failed commands.
func (e *Executor) ClearResultsDiscardWarnings(ctx context.Context, conn *NodeConnection, raiseErrors bool) (bool, error) {
	return e.clearResults(ctx, conn, raiseErrors, true)
}

func (e *Executor) clearResults(ctx context.Context, conn *NodeConnection, raiseErrors bool, discardWarnings bool) (bool, error) {
	success := true

	for {
		result, err := e.GetRemoteCommandResult(ctx, conn, raiseErrors)
		if err != nil {
			return false, err
		}
		if result == nil {
			break
		}

		// Terminate any copy in flight; the not-OK handling below marks
		// the transaction failed.
		if result.Status == ResultCopyIn {
			conn.PutCopyEnd()
		}

		if !result.OK() {
			resErr := resultError(conn, result)
			if !discardWarnings {
				e.logger.Warn("remote command failed", zap.String("node", conn.Address()), zap.Error(resErr))
			}
			conn.MarkFailed()
			success = false

			if raiseErrors {
				return false, resErr
			}
			if result.Status == ResultFatalError {
				// Nothing more can arrive on this connection.
				break
			}
		}
	}

	return success, nil
}

// ClearResultsIfReady clears a connection from pending activity if doing so
// does not require network I/O. Returns true on success, false if blocking
// would be needed or the connection is in a state that cannot be cleared
// without it.
func (e *Executor) ClearResultsIfReady(conn *NodeConnection) bool {
	if conn.Status() != StatusOK {
		return false
	}

	for {
		// The connection may have buffered results received earlier; a
		// non-blocking flush and read attempt surfaces them.
		if conn.IsBusy() {
			if conn.Flush() == FlushFailed {
				return false
			}
			if !conn.ConsumeInput() {
				return false
			}
		}

		// Clearing would now require blocking I/O.
		if conn.IsBusy() {
			return false
		}

		result := conn.NextResult()
		if result == nil {
			return true
		}

		switch result.Status {
		case ResultCopyIn, ResultCopyOut:
			// Mid-copy; cannot reliably recover without blocking.
			return false
		case ResultSingleTuple, ResultTuplesOK, ResultCommandOK:
			// Keep consuming.
		default:
			// An error arrived just as we were discarding.
			return false
		}
	}
}

// ExecuteCriticalRemoteCommand executes a command whose failure would leave
// the enclosing operation half-applied. Any failure aborts the caller with a
// hard error.
func (e *Executor) ExecuteCriticalRemoteCommand(ctx context.Context, conn *NodeConnection, command string) error {
	if !e.SendRemoteCommand(conn, command) {
		return connectionError(conn, nil)
	}

	result, err := e.GetRemoteCommandResult(ctx, conn, true)
	if err != nil {
		return err
	}
	if !result.OK() {
		resErr := resultError(conn, result)
		e.ForgetResults(ctx, conn)
		return resErr
	}

	e.ForgetResults(ctx, conn)
	return nil
}

// ExecuteOptionalRemoteCommand executes a command the caller can tolerate
// failing. Failures are logged as warnings and reported through the error:
// ErrQuerySendFailed when the command never left, ErrResponseNotOK when the
// remote side rejected it. The result is returned only on success.
func (e *Executor) ExecuteOptionalRemoteCommand(ctx context.Context, conn *NodeConnection, command string) (*Result, error) {
	if !e.SendRemoteCommand(conn, command) {
		e.logger.Warn("failed to send command to remote node",
			zap.String("node", conn.Address()), zap.String("command", command))
		return nil, ErrQuerySendFailed
	}

	result, err := e.GetRemoteCommandResult(ctx, conn, true)
	if err != nil {
		return nil, err
	}
	if !result.OK() {
		resErr := resultError(conn, result)
		e.logger.Warn("remote command failed", zap.String("node", conn.Address()), zap.Error(resErr))
		e.ForgetResults(ctx, conn)
		return nil, resErr
	}

	return result, nil
}

// ExecuteRemoteCommandOnAll runs the same command on every connection:
// send to all first, then collect from all. Pipelining the sends avoids
// serializing a full round trip per node. Any single failure fails the whole
// group.
func (e *Executor) ExecuteRemoteCommandOnAll(ctx context.Context, connections []*NodeConnection, command string) error {
	for _, conn := range connections {
		if !e.SendRemoteCommand(conn, command) {
			return connectionError(conn, nil)
		}
	}

	for _, conn := range connections {
		result, err := e.GetRemoteCommandResult(ctx, conn, true)
		if err != nil {
			return err
		}
		if !result.OK() {
			resErr := resultError(conn, result)
			e.ForgetResults(ctx, conn)
			return resErr
		}
		e.ForgetResults(ctx, conn)
	}

	return nil
}

// ExecuteRemoteCommandAndCheckResult runs a single-value query and reports
// whether the value equals expected. Connection failures are tolerated with
// a warning; a remote error fails hard.
func (e *Executor) ExecuteRemoteCommandAndCheckResult(ctx context.Context, conn *NodeConnection, command, expected string) (bool, error) {
	if !e.SendRemoteCommand(conn, command) {
		e.logger.Warn("failed to send command to remote node",
			zap.String("node", conn.Address()), zap.String("command", command))
		return false, nil
	}

	result, err := e.GetRemoteCommandResult(ctx, conn, true)
	if err != nil {
		return false, err
	}
	if !result.OK() {
		resErr := resultError(conn, result)
		e.ForgetResults(ctx, conn)
		return false, resErr
	}

	value, ok := EvaluateSingleQueryResult(result)
	e.ForgetResults(ctx, conn)

	return ok && value == expected, nil
}

// EvaluateSingleQueryResult extracts a single column, single row value from
// the result. For completed commands the command tag is the value. It
// returns false when the shape does not match.
func EvaluateSingleQueryResult(result *Result) (string, bool) {
	switch result.Status {
	case ResultCommandOK:
		return result.CommandTag, true
	case ResultTuplesOK:
		if result.NTuples() > 1 {
			return "expected a single row in query result", false
		}
		if result.NTuples() == 1 && len(result.Rows[0]) != 1 {
			return "expected a single column in query target", false
		}
		return result.Value(0, 0), true
	default:
		return result.Message, false
	}
}

// Interrupted reports whether err is the cancellation error, from either the
// executor or the surrounding context machinery.
func Interrupted(err error) bool {
	return errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
