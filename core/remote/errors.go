package remote

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the executor. Callers branch on these with
// errors.Is rather than string matching.
var (
	// ErrQuerySendFailed means the command could not be handed to the
	// connection at all, typically because the connection is gone.
	ErrQuerySendFailed = errors.New("failed to send query")

	// ErrResponseNotOK means the remote node answered with a non-success
	// status.
	ErrResponseNotOK = errors.New("response not okay")

	// ErrInterrupted is returned when a cancellation signal fires during a
	// blocking wait and the caller opted into raising.
	ErrInterrupted = errors.New("canceling wait due to interrupt")

	// ErrShutdown is returned when the host process is shutting down. It is
	// not recoverable and must propagate to the outermost caller.
	ErrShutdown = errors.New("coordinator process was shut down, exiting")
)

// ConnectionError reports a socket-level failure that is not associated with
// a query result.
type ConnectionError struct {
	User string
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection to the remote node %s@%s:%d failed with the following error: %v",
			e.User, e.Host, e.Port, e.Err)
	}
	return fmt.Sprintf("connection to the remote node %s@%s:%d failed", e.User, e.Host, e.Port)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ResultError reports a SQL-level failure returned by a remote node. All
// diagnostic fields the server provided are chained into one message.
type ResultError struct {
	Host     string
	Port     int
	SQLState string
	Message  string
	Detail   string
	Hint     string
	Context  string
}

func (e *ResultError) Error() string {
	var b strings.Builder
	message := e.Message
	if message == "" {
		message = "unknown remote error"
	}
	b.WriteString(message)
	if e.SQLState != "" {
		fmt.Fprintf(&b, " (SQLSTATE %s)", e.SQLState)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, "; DETAIL: %s", e.Detail)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, "; HINT: %s", e.Hint)
	}
	if e.Context != "" {
		fmt.Fprintf(&b, "; CONTEXT: %s", e.Context)
	}
	fmt.Fprintf(&b, "; while executing command on %s:%d", e.Host, e.Port)
	return b.String()
}

func (e *ResultError) Is(target error) bool { return target == ErrResponseNotOK }

// resultError builds a ResultError from a not-OK result on the given
// connection.
func resultError(conn *NodeConnection, result *Result) *ResultError {
	if result == nil {
		return &ResultError{Host: conn.Host, Port: conn.Port, Message: "connection lost while awaiting result"}
	}
	return &ResultError{
		Host:     conn.Host,
		Port:     conn.Port,
		SQLState: result.SQLState,
		Message:  result.Message,
		Detail:   result.Detail,
		Hint:     result.Hint,
		Context:  result.Context,
	}
}

// connectionError builds a ConnectionError for the given connection.
func connectionError(conn *NodeConnection, cause error) *ConnectionError {
	return &ConnectionError{User: conn.User, Host: conn.Host, Port: conn.Port, Err: cause}
}
