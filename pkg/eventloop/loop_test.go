package eventloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_RunsInPostOrder(t *testing.T) {
	l := New()
	defer l.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}

	require.NoError(t, l.Do(context.Background(), func() error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_DoReturnsError(t *testing.T) {
	l := New()
	defer l.Close()

	want := errors.New("boom")
	err := l.Do(context.Background(), func() error { return want })
	assert.ErrorIs(t, err, want)
}

func TestLoop_CloseDrainsQueuedWork(t *testing.T) {
	l := New()
	release := make(chan struct{})
	ran := make(chan struct{}, 1)

	l.Post(func() { <-release })
	l.Post(func() { ran <- struct{}{} })

	closed := make(chan struct{})
	go func() {
		l.Close()
		close(closed)
	}()

	// Work posted after Close is rejected, but the queued callback still fires.
	require.Eventually(t, func() bool { return !l.Post(func() {}) }, time.Second, time.Millisecond)
	close(release)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queued callback did not run after Close")
	}
	<-closed
}

func TestLoop_DoAfterClose(t *testing.T) {
	l := New()
	l.Close()

	err := l.Do(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoop_DoHonorsContext(t *testing.T) {
	l := New()
	defer l.Close()

	block := make(chan struct{})
	l.Post(func() { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
