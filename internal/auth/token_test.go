package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateTokenIsFreshPerCall(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}

func TestVerify(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)

	require.True(t, Verify(token, token))
	require.False(t, Verify(token, token+"x"))
	require.False(t, Verify(token, ""))
	// An empty expected token means startup never completed; fail closed.
	require.False(t, Verify("", ""))
}

func TestRedactNeverLeaksFullToken(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)

	redacted := Redact(token)
	require.NotEqual(t, token, redacted)
	require.False(t, strings.Contains(redacted, token))
	require.Equal(t, "****", Redact("short"))
}
