package pipe

import (
	"testing"
	"time"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	p := New(16, false)
	n, err := p.Write([]byte("hello"), 0, false)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = p.Read(buf, 0, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestWriteBlocksWhenFullThenDrains(t *testing.T) {
	p := New(4, false)
	n, err := p.Write([]byte("abcd"), 0, false)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	done := make(chan struct{})
	go func() {
		n, err := p.Write([]byte("ef"), 0, false)
		assert.NoError(t, err)
		assert.Equal(t, 2, n)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("write returned before room was freed")
	default:
	}

	buf := make([]byte, 4)
	_, err = p.Read(buf, 0, false)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write never unblocked after read freed room")
	}
}

func TestReadBlocksWhenEmptyThenUnblocksOnWrite(t *testing.T) {
	p := New(16, false)
	result := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := p.Read(buf, 0, false)
		assert.NoError(t, err)
		result <- string(buf[:n])
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := p.Write([]byte("hi"), 0, false)
	require.NoError(t, err)

	select {
	case got := <-result:
		assert.Equal(t, "hi", got)
	case <-time.After(time.Second):
		t.Fatal("read never unblocked after write")
	}
}

func TestNonBlockingWriteReturnsEagainWhenFull(t *testing.T) {
	p := New(2, false)
	_, err := p.Write([]byte("ab"), 0, false)
	require.NoError(t, err)

	_, err = p.Write([]byte("c"), 0, true)
	assert.ErrorIs(t, err, errno.EAGAIN)
}

func TestNonBlockingReadReturnsEagainWhenEmpty(t *testing.T) {
	p := New(2, false)
	buf := make([]byte, 2)
	_, err := p.Read(buf, 0, true)
	assert.ErrorIs(t, err, errno.EAGAIN)
}

func TestWriteTimesOutWhenNeverDrained(t *testing.T) {
	p := New(1, false)
	_, err := p.Write([]byte("a"), 0, false)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Write([]byte("b"), 20*time.Millisecond, false)
	assert.ErrorIs(t, err, errno.EAGAIN)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestReadTimesOutWhenNeverWritten(t *testing.T) {
	p := New(2, false)
	buf := make([]byte, 2)
	start := time.Now()
	_, err := p.Read(buf, 20*time.Millisecond, false)
	assert.ErrorIs(t, err, errno.EAGAIN)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWriteAfterReadEndClosedIsEpipe(t *testing.T) {
	p := New(4, false)
	p.Close(ReadEnd)
	_, err := p.Write([]byte("x"), 0, false)
	assert.ErrorIs(t, err, errno.EPIPE)
}

func TestReadAfterWriteEndClosedDrainsThenEOF(t *testing.T) {
	p := New(4, false)
	_, err := p.Write([]byte("ab"), 0, false)
	require.NoError(t, err)
	p.Close(WriteEnd)

	buf := make([]byte, 4)
	n, err := p.Read(buf, 0, false)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))

	n, err = p.Read(buf, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOperatingOnClosedOwnEndIsEbadf(t *testing.T) {
	p := New(4, false)
	p.Close(WriteEnd)
	_, err := p.Write([]byte("x"), 0, false)
	assert.ErrorIs(t, err, errno.EBADF)

	p2 := New(4, false)
	p2.Close(ReadEnd)
	buf := make([]byte, 4)
	_, err = p2.Read(buf, 0, false)
	assert.ErrorIs(t, err, errno.EBADF)
}

func TestClosedReportsBothEndsAndPermanentFlag(t *testing.T) {
	p := New(4, true)
	assert.True(t, p.Permanent())
	assert.False(t, p.Closed())
	p.Close(ReadEnd)
	assert.False(t, p.Closed())
	p.Close(WriteEnd)
	assert.True(t, p.Closed())
}
