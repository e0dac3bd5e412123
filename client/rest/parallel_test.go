package rest

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelListPreservesOrder(t *testing.T) {
	jobs := make([]func() (int, error), 10)
	for i := range jobs {
		i := i
		jobs[i] = func() (int, error) { return i * i, nil }
	}

	outcomes := ParallelList(jobs, ParallelOptions{MaxPerSecond: 1000})

	require.Len(t, outcomes, 10)
	for i, o := range outcomes {
		require.NoError(t, o.Err)
		assert.Equal(t, i*i, o.Value)
	}
}

func TestParallelMapKeysPreserved(t *testing.T) {
	jobs := map[string]func() (string, error){
		"a": func() (string, error) { return "A", nil },
		"b": func() (string, error) { return "B", nil },
		"c": func() (string, error) { return "", errors.New("c failed") },
	}

	outcomes := ParallelMap(jobs, ParallelOptions{MaxPerSecond: 1000})

	require.Len(t, outcomes, 3)
	assert.Equal(t, "A", outcomes["a"].Value)
	assert.Equal(t, "B", outcomes["b"].Value)
	require.Error(t, outcomes["c"].Err)
	assert.Contains(t, outcomes["c"].Err.Error(), "c failed")
}

func TestParallelErrorsCapturedInPlace(t *testing.T) {
	jobs := []func() (int, error){
		func() (int, error) { return 1, nil },
		func() (int, error) { return 0, errors.New("nope") },
		func() (int, error) { return 3, nil },
	}

	outcomes := ParallelList(jobs, ParallelOptions{MaxPerSecond: 1000})

	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
	assert.NoError(t, outcomes[2].Err)
	assert.Equal(t, 3, outcomes[2].Value)
}

func TestParallelWorkerCap(t *testing.T) {
	var running, peak int32

	jobs := make([]func() (int, error), 12)
	for i := range jobs {
		jobs[i] = func() (int, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return 0, nil
		}
	}

	ParallelList(jobs, ParallelOptions{MaxWorkers: 3, MaxPerSecond: 1000})

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestParallelRateCeiling(t *testing.T) {
	var count int32
	jobs := make([]func() (int, error), 6)
	for i := range jobs {
		jobs[i] = func() (int, error) {
			atomic.AddInt32(&count, 1)
			return 0, nil
		}
	}

	start := time.Now()
	ParallelList(jobs, ParallelOptions{MaxWorkers: 6, MaxPerSecond: 10})
	elapsed := time.Since(start)

	assert.Equal(t, int32(6), atomic.LoadInt32(&count))
	// Six starts at ten per second cannot complete much faster than half a
	// second; allow generous slack for CI jitter.
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
}

func TestParallelEmptyInput(t *testing.T) {
	assert.Empty(t, ParallelList([]func() (int, error){}, ParallelOptions{}))
	assert.Empty(t, ParallelMap(map[string]func() (int, error){}, ParallelOptions{}))
}
