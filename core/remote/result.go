package remote

// ResultStatus classifies the outcome of one remote command, mirroring the
// statuses of the Postgres wire protocol.
type ResultStatus int

const (
	// ResultCommandOK is a command that completed without returning rows.
	ResultCommandOK ResultStatus = iota
	// ResultTuplesOK is a completed query with a full tuple set.
	ResultTuplesOK
	// ResultSingleTuple is one row of a streamed result.
	ResultSingleTuple
	// ResultCopyIn means the remote side is waiting for copy data.
	ResultCopyIn
	// ResultCopyOut means the remote side is streaming copy data to us.
	ResultCopyOut
	// ResultNonFatalError is a SQL-level error; the connection survives.
	ResultNonFatalError
	// ResultFatalError is an error after which the connection is unusable.
	ResultFatalError
)

// Result is one response from a remote node.
type Result struct {
	Status     ResultStatus
	Rows       [][]string
	CommandTag string

	// Error diagnostics, populated for non-success statuses.
	SQLState string
	Message  string
	Detail   string
	Hint     string
	Context  string
}

// OK reports whether the result is a successful one. A non-fatal SQL error
// is still "not OK": only full or streaming tuple sets and completed
// commands count as success.
func (r *Result) OK() bool {
	if r == nil {
		return false
	}
	switch r.Status {
	case ResultSingleTuple, ResultTuplesOK, ResultCommandOK:
		return true
	default:
		return false
	}
}

// NTuples returns the number of rows in the result.
func (r *Result) NTuples() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Value returns the given field, or "" when out of range.
func (r *Result) Value(row, col int) string {
	if r == nil || row >= len(r.Rows) || col >= len(r.Rows[row]) {
		return ""
	}
	return r.Rows[row][col]
}

// ReadFirstColumnAsText reads the first column of all result tuples.
func ReadFirstColumnAsText(result *Result) []string {
	var values []string
	if result == nil || result.Status != ResultTuplesOK {
		return values
	}
	for _, row := range result.Rows {
		if len(row) > 0 {
			values = append(values, row[0])
		}
	}
	return values
}
