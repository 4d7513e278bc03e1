package argv

import (
	"testing"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeSplitsOnWhitespace(t *testing.T) {
	got, err := Tokenize("ls -la /home")
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "-la", "/home"}, got)
}

func TestTokenizeHonorsSingleQuotes(t *testing.T) {
	got, err := Tokenize(`echo 'hello world' done`)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "hello world", "done"}, got)
}

func TestTokenizeHonorsDoubleQuotesWithEscape(t *testing.T) {
	got, err := Tokenize(`echo "say \"hi\"" done`)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", `say "hi"`, "done"}, got)
}

func TestTokenizeUnterminatedQuoteIsEinval(t *testing.T) {
	_, err := Tokenize(`echo "unterminated`)
	assert.ErrorIs(t, err, errno.EINVAL)

	_, err = Tokenize(`echo 'unterminated`)
	assert.ErrorIs(t, err, errno.EINVAL)
}

func TestTokenizeTrailingBackslashIsEinval(t *testing.T) {
	_, err := Tokenize(`echo bad\`)
	assert.ErrorIs(t, err, errno.EINVAL)
}

func TestTokenizeEmptyLineYieldsNoArgs(t *testing.T) {
	got, err := Tokenize("   ")
	require.NoError(t, err)
	assert.Empty(t, got)
}
