package threadx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedMemoryLoadStoreUint32(t *testing.T) {
	sm := NewSharedMemory(64)
	sm.StoreUint32(2, 7)
	assert.Equal(t, uint32(7), sm.LoadUint32(2))
}

func TestSharedMemoryCompareAndSwap(t *testing.T) {
	sm := NewSharedMemory(64)
	sm.StoreUint32(0, 1)
	assert.True(t, sm.CompareAndSwapUint32(0, 1, 2))
	assert.False(t, sm.CompareAndSwapUint32(0, 1, 3), "CAS must fail once the old value no longer matches")
	assert.Equal(t, uint32(2), sm.LoadUint32(0))
}

func TestSharedMemoryFloat64RoundTrip(t *testing.T) {
	sm := NewSharedMemory(64)
	sm.StoreFloat64(4, 12345.6789)
	assert.InDelta(t, 12345.6789, sm.LoadFloat64(4), 1e-9)
}

func TestSharedMemoryWaitReturnsNotEqualImmediately(t *testing.T) {
	sm := NewSharedMemory(64)
	sm.StoreUint32(1, 99)
	res := sm.Wait(context.Background(), 1, 5)
	assert.Equal(t, WaitNotEqual, res)
}

func TestSharedMemoryNotifyWakesWaiters(t *testing.T) {
	sm := NewSharedMemory(64)
	sm.StoreUint32(1, 0)

	done := make(chan WaitResult, 1)
	go func() {
		done <- sm.Wait(context.Background(), 1, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	sm.StoreUint32(1, 1)
	sm.Notify(1)

	select {
	case res := <-done:
		assert.Equal(t, WaitOK, res)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Notify")
	}
}

func TestSharedMemoryWaitTimesOut(t *testing.T) {
	sm := NewSharedMemory(64)
	sm.StoreUint32(1, 0)
	res := waitWithTimeout(sm, 1, 0, 20*time.Millisecond)
	assert.Equal(t, WaitTimedOut, res)
}

func TestWrapSharedMemoryRejectsUndersizedOrMisalignedBuffers(t *testing.T) {
	_, err := WrapSharedMemory(make([]byte, 8))
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	_, err = WrapSharedMemory(make([]byte, 41))
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	mem, err := WrapSharedMemory(make([]byte, 40))
	require.NoError(t, err)
	assert.Len(t, mem.Bytes(), 40)
}

func TestSharedMemoryWrapSharesBackingArray(t *testing.T) {
	raw := make([]byte, 48)
	a, err := WrapSharedMemory(raw)
	require.NoError(t, err)
	b, err := WrapSharedMemory(raw)
	require.NoError(t, err)

	a.StoreUint32(0, 0xdead)
	assert.Equal(t, uint32(0xdead), b.LoadUint32(0), "two wraps of the same []byte must observe each other's writes")
}
