package envelope

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/sealcore/directory"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	const workers = 2
	pool := NewPool(workers)
	defer pool.Close()

	var inFlight, peak int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()

			current := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if current <= old || atomic.CompareAndSwapInt32(&peak, old, current) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		})
		require.NoError(t, err)
	}

	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workers))
}

func TestPoolCloseDrainsQueue(t *testing.T) {
	pool := NewPool(1)

	var done int32
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func() {
			atomic.AddInt32(&done, 1)
		}))
	}

	pool.Close()
	assert.Equal(t, int32(5), atomic.LoadInt32(&done), "close must wait for queued tasks")

	assert.Error(t, pool.Submit(func() {}), "submit after close must be refused")
	pool.Close() // second close is a no-op
}

func TestPoolRejectsNilTask(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()

	assert.Error(t, pool.Submit(nil))
}

func TestOpenAsync(t *testing.T) {
	dA := newTestDevice(t, "alice", "dA")
	dB := newTestDevice(t, "bob", "dB")

	enc := NewEncryptionEngine()
	dec, err := NewDecryptionEngine(newStubLookup(dA, dB))
	require.NoError(t, err)

	env, err := enc.Seal(context.Background(), []byte("async"), dA.identity(),
		[]directory.DeviceKeyEntry{dB.entry()}, "g1", "c1")
	require.NoError(t, err)

	pool := NewPool(2)
	defer pool.Close()

	outcome := <-dec.OpenAsync(context.Background(), pool, env, dB.identity())
	require.NoError(t, outcome.Err)
	assert.Equal(t, []byte("async"), outcome.Result.Plaintext)
	assert.True(t, outcome.Result.SignatureValid)
}

func TestOpenAsyncAbandonedStillCompletes(t *testing.T) {
	dA := newTestDevice(t, "alice", "dA")
	dB := newTestDevice(t, "bob", "dB")

	enc := NewEncryptionEngine()
	dec, err := NewDecryptionEngine(newStubLookup(dA, dB))
	require.NoError(t, err)

	env, err := enc.Seal(context.Background(), []byte("abandoned"), dA.identity(),
		[]directory.DeviceKeyEntry{dB.entry()}, "g1", "c1")
	require.NoError(t, err)

	pool := NewPool(1)

	// Nobody reads the outcome until after the pool has drained; the work
	// must have completed anyway.
	ch := dec.OpenAsync(context.Background(), pool, env, dB.identity())
	pool.Close()

	select {
	case outcome := <-ch:
		require.NoError(t, outcome.Err)
		assert.Equal(t, []byte("abandoned"), outcome.Result.Plaintext)
	default:
		t.Fatal("outcome missing after pool drain")
	}
}

func TestOpenAsyncClosedPool(t *testing.T) {
	dec, err := NewDecryptionEngine(newStubLookup())
	require.NoError(t, err)

	pool := NewPool(1)
	pool.Close()

	outcome := <-dec.OpenAsync(context.Background(), pool, &Envelope{}, Identity{UserID: "u", DeviceID: "d"})
	assert.Error(t, outcome.Err)
}
