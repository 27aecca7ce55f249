package audioring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoundsToPowerOf2(t *testing.T) {
	tests := []struct {
		input    uint64
		expected uint64
	}{
		{0, 1},
		{1, 1},
		{3, 4},
		{100, 128},
		{256, 256},
	}

	for _, tt := range tests {
		r := New(tt.input, 16)
		assert.Equal(t, tt.expected, r.Size(), "New(%d)", tt.input)
	}
}

func TestProduceConsume(t *testing.T) {
	r := New(4, 8)
	ts := time.Unix(100, 5000)

	require.NoError(t, r.Produce([]byte{1, 2, 3}, StatusValid, ts))
	require.NoError(t, r.Produce([]byte{4, 5, 6, 7, 8, 9, 10, 11, 12}, StatusCorrupted, time.Time{}))
	assert.Equal(t, uint64(2), r.Used())

	dst := make([]byte, 16)
	c, err := r.Consume(dst)
	require.NoError(t, err)
	assert.Equal(t, 3, c.N)
	assert.Equal(t, StatusValid, c.Status)
	assert.True(t, ts.Equal(c.Timestamp))
	assert.Equal(t, []byte{1, 2, 3}, dst[:c.N])

	// Chunks are truncated to the slot size.
	c, err = r.Consume(dst)
	require.NoError(t, err)
	assert.Equal(t, 8, c.N)
	assert.Equal(t, StatusCorrupted, c.Status)
	assert.True(t, c.Timestamp.IsZero())

	_, err = r.Consume(dst)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestProduceOverflow(t *testing.T) {
	r := New(2, 4)

	require.NoError(t, r.Produce([]byte{1}, StatusValid, time.Time{}))
	require.NoError(t, r.Produce([]byte{2}, StatusValid, time.Time{}))
	assert.ErrorIs(t, r.Produce([]byte{3}, StatusValid, time.Time{}), ErrInsufficientSpace)

	dst := make([]byte, 4)
	_, err := r.Consume(dst)
	require.NoError(t, err)
	assert.NoError(t, r.Produce([]byte{3}, StatusValid, time.Time{}))
}

func TestWrapAround(t *testing.T) {
	r := New(4, 1)
	dst := make([]byte, 1)

	for i := 0; i < 20; i++ {
		require.NoError(t, r.Produce([]byte{byte(i)}, StatusValid, time.Time{}))
		c, err := r.Consume(dst)
		require.NoError(t, err)
		assert.Equal(t, 1, c.N)
		assert.Equal(t, byte(i), dst[0])
	}
}

func TestAcquireCompleteCollect(t *testing.T) {
	r := New(4, 4)
	now := time.Unix(10, 0)

	require.NoError(t, r.Produce([]byte{1, 1}, StatusPending, time.Time{}))
	require.NoError(t, r.Produce([]byte{2, 2}, StatusPending, time.Time{}))

	idx, data, ok := r.Acquire()
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, []byte{1, 1}, data)
	r.Complete(idx, StatusValid, now)

	idx, _, ok = r.Acquire()
	require.True(t, ok)
	r.Complete(idx, StatusCorrupted, now.Add(time.Second))

	out, failed, last := r.Collect()
	assert.Equal(t, uint64(2), out)
	assert.Equal(t, uint64(1), failed)
	assert.True(t, now.Add(time.Second).Equal(last))

	out, failed, _ = r.Collect()
	assert.Zero(t, out)
	assert.Zero(t, failed)
}

func TestCompleteIgnoresStaleIndex(t *testing.T) {
	r := New(4, 4)
	require.NoError(t, r.Produce([]byte{1}, StatusPending, time.Time{}))

	r.Complete(3, StatusValid, time.Time{})
	assert.Equal(t, uint64(1), r.Used())
}

func TestCloseWakesAcquire(t *testing.T) {
	r := New(4, 4)

	done := make(chan bool)
	go func() {
		_, _, ok := r.Acquire()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	r.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after Close")
	}
}

func TestWaitEmpty(t *testing.T) {
	r := New(4, 4)
	r.WaitEmpty()

	require.NoError(t, r.Produce([]byte{1}, StatusPending, time.Time{}))
	require.NoError(t, r.Produce([]byte{2}, StatusPending, time.Time{}))

	done := make(chan struct{})
	go func() {
		r.WaitEmpty()
		close(done)
	}()

	idx, _, ok := r.Acquire()
	require.True(t, ok)
	r.Complete(idx, StatusValid, time.Time{})
	select {
	case <-done:
		t.Fatal("WaitEmpty returned with a slot still pending")
	case <-time.After(10 * time.Millisecond):
	}

	idx, _, ok = r.Acquire()
	require.True(t, ok)
	r.Complete(idx, StatusValid, time.Time{})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitEmpty did not return once every slot completed")
	}

	require.NoError(t, r.Produce([]byte{3}, StatusPending, time.Time{}))
	r.Close()
	r.WaitEmpty()
}

func TestReset(t *testing.T) {
	r := New(4, 4)
	require.NoError(t, r.Produce([]byte{1}, StatusValid, time.Time{}))
	r.Close()
	r.Reset()

	assert.Zero(t, r.Used())
	require.NoError(t, r.Produce([]byte{9}, StatusValid, time.Time{}))
	idx, data, ok := r.Acquire()
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, []byte{9}, data)
}

func TestConcurrentProducerConsumer(t *testing.T) {
	r := New(8, 4)
	const chunks = 5000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < chunks; {
			if err := r.Produce([]byte{byte(i), byte(i >> 8)}, StatusValid, time.Time{}); err == nil {
				i++
			}
		}
	}()

	received := make([]int, 0, chunks)
	go func() {
		defer wg.Done()
		dst := make([]byte, 4)
		for len(received) < chunks {
			c, err := r.Consume(dst)
			if err != nil {
				continue
			}
			if c.N == 2 {
				received = append(received, int(dst[0])|int(dst[1])<<8)
			}
		}
	}()

	wg.Wait()

	for i, v := range received {
		if v != i&0xFFFF {
			t.Fatalf("chunk %d: got %d", i, v)
		}
	}
}

func BenchmarkProduceConsume(b *testing.B) {
	r := New(256, 4096)
	src := make([]byte, 4096)
	dst := make([]byte, 4096)

	b.SetBytes(4096)
	for i := 0; i < b.N; i++ {
		_ = r.Produce(src, StatusValid, time.Time{})
		_, _ = r.Consume(dst)
	}
}
