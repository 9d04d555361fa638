// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"context"
	"time"
)

// BalanceInterval is the period between load-balancing passes. Grounded on
// the teacher's ContinuousPointCollector ticker-select idiom
// (pkg/performance/collector.go's start loop), re-purposed here for a
// scheduler tick rather than a metrics interval.
const BalanceInterval = 4 * time.Millisecond

// RunLoadBalancer runs Balance every BalanceInterval until ctx is done. One
// instance should run per Scheduler; it is the periodic task spec §4.4
// describes.
func (s *Scheduler) RunLoadBalancer(ctx context.Context) {
	ticker := time.NewTicker(BalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Balance()
		case <-ctx.Done():
			return
		}
	}
}

// Balance implements spec §4.4's load balancing: compute the average
// count_runnable; any CPU exceeding avg+1 gives up one eligible thread
// (honoring affinity) to the least-loaded CPU.
func (s *Scheduler) Balance() {
	if len(s.cpus) < 2 {
		return
	}

	total := 0
	for _, c := range s.cpus {
		total += c.CountRunnable()
	}
	avg := total / len(s.cpus)

	target := s.cpus[0]
	for _, c := range s.cpus[1:] {
		if c.CountRunnable() < target.CountRunnable() {
			target = c
		}
	}

	for _, c := range s.cpus {
		if c == target {
			continue
		}
		if c.CountRunnable() <= avg+1 {
			continue
		}
		tid, ok := c.removeEligibleForMigration(s.threads, target.ID)
		if !ok {
			continue
		}
		t, ok := s.threads.Get(tid)
		if !ok {
			continue
		}
		target.mu.Lock()
		target.enqueueLocked(tid, t.Priority)
		target.mu.Unlock()
		s.logger.V(1).Info("migrated thread", "tid", tid, "from_cpu", c.ID, "to_cpu", target.ID)
	}
}
