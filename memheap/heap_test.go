package memheap

import (
	"testing"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMallocFreeRoundTrip(t *testing.T) {
	h := New(4096, 4)
	b := h.Malloc(100, ClassKernel, 0)
	require.NotNil(t, b)
	assert.Len(t, b.Bytes(), 100)
	assert.Equal(t, int64(100), h.Usage(ClassKernel))

	require.NoError(t, h.Free(b))
	assert.Equal(t, int64(0), h.Usage(ClassKernel))
}

func TestDoubleFreeIsRejected(t *testing.T) {
	h := New(4096, 4)
	b := h.Malloc(16, ClassModule, 0)
	require.NotNil(t, b)
	require.NoError(t, h.Free(b))
	assert.ErrorIs(t, h.Free(b), errno.EINVAL)
}

func TestOutOfMemoryReturnsNilNotPanic(t *testing.T) {
	h := New(64, 4)
	b := h.Malloc(1000, ClassKernel, 0)
	assert.Nil(t, b)
}

func TestUsageSumsToTotalUsed(t *testing.T) {
	h := New(4096, 8)
	a := h.Malloc(10, ClassKernel, 0)
	b := h.Malloc(23, ClassFilesystem, 0)
	c := h.Malloc(5, ClassProgram, 1)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	_, _, used := h.Total()
	var sum int64
	for class := ClassKernel; class < numClasses; class++ {
		sum += h.Usage(class)
	}
	assert.Equal(t, used, sum)

	require.NoError(t, h.Free(b))
	_, _, used = h.Total()
	sum = 0
	for class := ClassKernel; class < numClasses; class++ {
		sum += h.Usage(class)
	}
	assert.Equal(t, used, sum)
}

func TestFreeCoalescesAdjacentBlocks(t *testing.T) {
	h := New(96, 8)
	a := h.Malloc(32, ClassKernel, 0)
	b := h.Malloc(32, ClassKernel, 0)
	c := h.Malloc(32, ClassKernel, 0)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(b))

	// a, b and c fill the 96-byte heap exactly, so a fresh 64-byte
	// allocation fits only if freeing a and b coalesced them into one
	// free span.
	d := h.Malloc(60, ClassKernel, 0)
	assert.NotNil(t, d)
}

func TestFreeTaskBlocksReleasesOnlyThatTasksProgramCharges(t *testing.T) {
	h := New(4096, 4)
	h.Malloc(16, ClassProgram, 1)
	h.Malloc(16, ClassProgram, 2)
	h.Malloc(16, ClassKernel, 0)

	h.FreeTaskBlocks(1)
	_, _, used := h.Total()
	assert.Equal(t, h.align(16)+h.align(16), used)
}
