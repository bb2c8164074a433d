// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/qmatmul/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Run(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := NewWithParallelism(parallelism)
		var (
			count, running, peak atomic.Int32
			seen                 [20]atomic.Bool
		)
		pool.Run(len(seen), func(idx int) {
			r := running.Add(1)
			for {
				p := peak.Load()
				if r <= p || peak.CompareAndSwap(p, r) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			seen[idx].Store(true)
			count.Add(1)
			running.Add(-1)
		})
		assert.Equal(t, int32(len(seen)), count.Load(), "parallelism=%d", parallelism)
		for idx := range seen {
			assert.True(t, seen[idx].Load(), "task %d not run", idx)
		}
		if parallelism > 0 {
			assert.LessOrEqual(t, int(peak.Load()), parallelism)
		}
	}
}

func TestPool_RunPanics(t *testing.T) {
	pool := NewWithParallelism(2)
	var count atomic.Int32
	require.PanicsWithValue(t, "boom", func() {
		pool.Run(5, func(idx int) {
			count.Add(1)
			if idx == 2 {
				panic("boom")
			}
		})
	})
	assert.Equal(t, int32(5), count.Load())
}

func TestPool_WaitToStart(t *testing.T) {
	// Disabled parallelism runs the task inline.
	ran := false
	NewWithParallelism(0).WaitToStart(func() { ran = true })
	assert.True(t, ran)

	// With one worker, the second task waits for the first to finish.
	pool := NewWithParallelism(1)
	release := xsync.NewLatchWithValue[int]()
	second := xsync.NewLatchWithValue[int]()
	pool.WaitToStart(func() { <-release.WaitChan() })
	go pool.WaitToStart(func() { second.Trigger(2) })
	time.Sleep(10 * time.Millisecond)
	_, started := second.Value()
	assert.False(t, started, "second task started before a worker was free")
	release.Trigger(1)
	select {
	case <-second.WaitChan():
	case <-time.After(5 * time.Second):
		t.Fatal("second task never started")
	}

	assert.True(t, NewWithParallelism(-1).IsUnlimited())
}
