// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Run(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3} {
		pool := New().SetMaxParallelism(parallelism)
		var running, maxRunning, total atomic.Int32
		err := pool.Run(context.Background(), 20, func(ii int) error {
			r := running.Add(1)
			for {
				m := maxRunning.Load()
				if r <= m || maxRunning.CompareAndSwap(m, r) {
					break
				}
			}
			total.Add(int32(ii))
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(190), total.Load())
		assert.LessOrEqual(t, int(maxRunning.Load()), max(parallelism, 1))
	}
}

func TestPool_Errors(t *testing.T) {
	pool := New().SetMaxParallelism(2)
	errBoom := errors.New("boom")
	err := pool.Run(context.Background(), 10, func(ii int) error {
		if ii == 4 {
			return errBoom
		}
		return nil
	})
	require.ErrorIs(t, err, errBoom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = New().Run(ctx, 10, func(int) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
