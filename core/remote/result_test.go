package remote

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultOK(t *testing.T) {
	require.True(t, (&Result{Status: ResultCommandOK}).OK())
	require.True(t, (&Result{Status: ResultTuplesOK}).OK())
	require.True(t, (&Result{Status: ResultSingleTuple}).OK())

	require.False(t, (&Result{Status: ResultCopyIn}).OK())
	require.False(t, (&Result{Status: ResultCopyOut}).OK())
	require.False(t, (&Result{Status: ResultNonFatalError}).OK())
	require.False(t, (&Result{Status: ResultFatalError}).OK())

	var nilResult *Result
	require.False(t, nilResult.OK())
}

func TestReadFirstColumnAsText(t *testing.T) {
	result := &Result{
		Status: ResultTuplesOK,
		Rows:   [][]string{{"a", "x"}, {"b", "y"}},
	}
	require.Equal(t, []string{"a", "b"}, ReadFirstColumnAsText(result))

	require.Nil(t, ReadFirstColumnAsText(nil))
	require.Nil(t, ReadFirstColumnAsText(&Result{Status: ResultCommandOK}))
}

func TestEvaluateSingleQueryResult(t *testing.T) {
	value, ok := EvaluateSingleQueryResult(&Result{Status: ResultCommandOK, CommandTag: "CREATE TABLE"})
	require.True(t, ok)
	require.Equal(t, "CREATE TABLE", value)

	value, ok = EvaluateSingleQueryResult(&Result{Status: ResultTuplesOK, Rows: [][]string{{"t"}}})
	require.True(t, ok)
	require.Equal(t, "t", value)

	// An empty tuple set evaluates to the empty string.
	value, ok = EvaluateSingleQueryResult(&Result{Status: ResultTuplesOK})
	require.True(t, ok)
	require.Equal(t, "", value)

	_, ok = EvaluateSingleQueryResult(&Result{Status: ResultTuplesOK, Rows: [][]string{{"a"}, {"b"}}})
	require.False(t, ok)

	_, ok = EvaluateSingleQueryResult(&Result{Status: ResultTuplesOK, Rows: [][]string{{"a", "b"}}})
	require.False(t, ok)

	_, ok = EvaluateSingleQueryResult(&Result{Status: ResultNonFatalError, Message: "boom"})
	require.False(t, ok)
}

func TestResultErrorMessage(t *testing.T) {
	err := &ResultError{
		Host:     "10.0.0.9",
		Port:     5432,
		SQLState: "23505",
		Message:  "duplicate key value violates unique constraint",
		Detail:   "Key (id)=(1) already exists.",
		Hint:     "use ON CONFLICT",
		Context:  "SQL statement",
	}

	message := err.Error()
	require.Contains(t, message, "duplicate key value")
	require.Contains(t, message, "SQLSTATE 23505")
	require.Contains(t, message, "DETAIL: Key (id)=(1) already exists.")
	require.Contains(t, message, "HINT: use ON CONFLICT")
	require.Contains(t, message, "CONTEXT: SQL statement")
	require.Contains(t, message, "while executing command on 10.0.0.9:5432")

	require.ErrorIs(t, err, ErrResponseNotOK)
}
