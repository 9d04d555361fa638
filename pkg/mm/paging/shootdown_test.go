// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package paging_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/mm/paging"
)

func TestShootdownCoordinator_BroadcastAcksAllTargets(t *testing.T) {
	c := paging.NewShootdownCoordinator()
	var invalidated [3]atomic.Uint64
	for i := 0; i < 3; i++ {
		i := i
		c.RegisterCPU(i, func(virt uint64) { invalidated[i].Store(virt) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Broadcast(ctx, 0xABCD000, []int{0, 1, 2}))

	for i := 0; i < 3; i++ {
		assert.Equal(t, uint64(0xABCD000), invalidated[i].Load())
	}
}

func TestShootdownCoordinator_UnknownCPURejected(t *testing.T) {
	c := paging.NewShootdownCoordinator()
	c.RegisterCPU(0, func(uint64) {})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, c.Broadcast(ctx, 0x1000, []int{0, 7}))
}

func TestShootdownCoordinator_NoTargetsIsNoop(t *testing.T) {
	c := paging.NewShootdownCoordinator()
	assert.NoError(t, c.Broadcast(context.Background(), 0x1000, nil))
}
