package recovery

import (
	"fmt"
	"strconv"
	"strings"
)

// Prepared transaction names encode who owns the transaction and which
// logical transaction it belongs to:
//
//	<coordinator-id>_<group-id>_<process-id>_<transaction-number>_<connection-number>
//
// The coordinator id must not contain underscores; config validation
// enforces that.

// ParsedTransactionName holds the components of a prepared transaction name.
type ParsedTransactionName struct {
	CoordinatorID     string
	GroupID           int32
	ProcessID         int
	TransactionNumber uint64
	ConnectionNumber  uint32
}

// BuildTransactionName formats the prepared transaction name for the given
// components.
func BuildTransactionName(coordinatorID string, groupID int32, processID int, transactionNumber uint64, connectionNumber uint32) string {
	return fmt.Sprintf("%s_%d_%d_%d_%d", coordinatorID, groupID, processID, transactionNumber, connectionNumber)
}

// ParseTransactionName parses a prepared transaction name back into its
// components. It returns false for names this coordinator did not produce,
// e.g. when someone inserted a record by hand; an unparsable name is never
// treated as in progress.
func ParseTransactionName(name string) (ParsedTransactionName, bool) {
	parts := strings.Split(name, "_")
	if len(parts) != 5 || parts[0] == "" {
		return ParsedTransactionName{}, false
	}

	groupID, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return ParsedTransactionName{}, false
	}
	processID, err := strconv.Atoi(parts[2])
	if err != nil {
		return ParsedTransactionName{}, false
	}
	transactionNumber, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return ParsedTransactionName{}, false
	}
	connectionNumber, err := strconv.ParseUint(parts[4], 10, 32)
	if err != nil {
		return ParsedTransactionName{}, false
	}

	return ParsedTransactionName{
		CoordinatorID:     parts[0],
		GroupID:           int32(groupID),
		ProcessID:         processID,
		TransactionNumber: transactionNumber,
		ConnectionNumber:  uint32(connectionNumber),
	}, true
}

// quoteLiteral renders s as a SQL string literal for COMMIT PREPARED and
// ROLLBACK PREPARED commands.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
