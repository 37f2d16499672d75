package remote

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandMatchesLogGrepPattern(t *testing.T) {
	require.True(t, commandMatchesLogGrepPattern("SELECT 1", ""))
	require.True(t, commandMatchesLogGrepPattern("COMMIT PREPARED 'x'", "COMMIT%"))
	require.True(t, commandMatchesLogGrepPattern("SELECT gid FROM pg_prepared_xacts", "%pg\\_prepared\\_xacts%"))
	require.False(t, commandMatchesLogGrepPattern("SELECT 1", "COMMIT%"))

	// The underscore wildcard matches exactly one character.
	require.True(t, commandMatchesLogGrepPattern("SELECT 1", "SELECT _"))
	require.False(t, commandMatchesLogGrepPattern("SELECT 12", "SELECT _"))
}

func TestLikeToRegexpMultiline(t *testing.T) {
	re, err := likeToRegexp("BEGIN%COMMIT")
	require.NoError(t, err)
	require.True(t, re.MatchString("BEGIN;\nSELECT 1;\nCOMMIT"))
}

func TestLikeToRegexpQuotesMeta(t *testing.T) {
	re, err := likeToRegexp("SELECT (1)%")
	require.NoError(t, err)
	require.True(t, re.MatchString("SELECT (1) + 2"))
	require.False(t, re.MatchString("SELECT 1"))
}
