package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAndParseTransactionName(t *testing.T) {
	name := BuildTransactionName("coord", 7, 4021, 98, 3)
	require.Equal(t, "coord_7_4021_98_3", name)

	parsed, ok := ParseTransactionName(name)
	require.True(t, ok)
	require.Equal(t, ParsedTransactionName{
		CoordinatorID:     "coord",
		GroupID:           7,
		ProcessID:         4021,
		TransactionNumber: 98,
		ConnectionNumber:  3,
	}, parsed)
}

func TestParseTransactionNameRejectsMalformedNames(t *testing.T) {
	for _, name := range []string{
		"",
		"coord",
		"coord_7",
		"coord_7_4021_98",
		"coord_7_4021_98_3_0",
		"_7_4021_98_3",
		"coord_x_4021_98_3",
		"coord_7_x_98_3",
		"coord_7_4021_x_3",
		"coord_7_4021_98_x",
		"coord_7_4021_-1_3",
	} {
		_, ok := ParseTransactionName(name)
		require.False(t, ok, "name %q", name)
	}
}

func TestQuoteLiteral(t *testing.T) {
	require.Equal(t, "'plain'", quoteLiteral("plain"))
	require.Equal(t, "'it''s'", quoteLiteral("it's"))
}
