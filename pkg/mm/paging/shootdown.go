// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package paging

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
)

// PeerHandler is a remote CPU's IPI handler: invalidate virt in its local
// TLB. Registered once per CPU at scheduler bring-up.
type PeerHandler func(virt uint64)

// ShootdownCoordinator implements the cross-CPU TLB shootdown protocol: the
// initiator publishes a request, signals every target CPU, spins on an
// acknowledgment counter until all targets have invalidated locally, then
// discards the request.
type ShootdownCoordinator struct {
	mu    sync.Mutex
	peers map[int]PeerHandler
}

func NewShootdownCoordinator() *ShootdownCoordinator {
	return &ShootdownCoordinator{peers: make(map[int]PeerHandler)}
}

// RegisterCPU attaches cpuID's local invalidation handler. Called once per
// CPU as the scheduler brings it online.
func (s *ShootdownCoordinator) RegisterCPU(cpuID int, handler PeerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[cpuID] = handler
}

// shootdownRequest is the record published for the duration of one
// broadcast: the address to invalidate and how many targets have acked.
type shootdownRequest struct {
	addr   uint64
	target int32
	acked  atomic.Int32
}

// Broadcast invalidates virt on every CPU in targets, blocking until every
// target CPU has acknowledged or ctx is done. It does not invalidate the
// local CPU's own TLB entry. Unknown
// target CPU IDs are a kernel-invariant violation: the caller's targets list
// must come from the scheduler's live CPU set.
func (s *ShootdownCoordinator) Broadcast(ctx context.Context, virt uint64, targets []int) error {
	s.mu.Lock()
	handlers := make([]PeerHandler, 0, len(targets))
	for _, cpu := range targets {
		h, ok := s.peers[cpu]
		if !ok {
			s.mu.Unlock()
			return kernelerrors.Newf(kernelerrors.KindInvariantViolation, "paging.Broadcast", "no registered IPI handler for CPU %d", cpu)
		}
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	req := &shootdownRequest{addr: virt, target: int32(len(handlers))}
	if req.target == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handlers {
		h := h
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			h(req.addr)
			req.acked.Add(1)
			return nil
		})
	}

	for req.acked.Load() < req.target {
		select {
		case <-ctx.Done():
			return kernelerrors.Wrap(kernelerrors.KindTimedOut, "paging.Broadcast", ctx.Err())
		default:
		}
	}
	return g.Wait()
}
