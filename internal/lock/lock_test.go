package lock

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain verifies TestConcurrentAcquireSerializes' goroutines fully exit
// before the package's tests are considered done.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "x.lock")
	l := New(path, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Acquire())
	require.NoError(t, l.Release())
	require.NoError(t, l.Release()) // idempotent
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	holder := New(path, time.Second, 5*time.Millisecond)
	require.NoError(t, holder.Acquire())
	defer holder.Release()

	waiter := New(path, 30*time.Millisecond, 5*time.Millisecond)
	err := waiter.Acquire()
	require.ErrorIs(t, err, ErrTimeout)
}

func TestConcurrentAcquireSerializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := With(path, 2*time.Second, 2*time.Millisecond, func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Len(t, order, 5)
}
