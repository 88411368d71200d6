/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package scheduler drives the node monitoring task with two polling
// intervals: burst while a cap is being enforced, relax otherwise.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	logrus "github.com/sirupsen/logrus"

	"CranePower/api"
)

var log = logrus.WithField("component", "Scheduler")

type Scheduler struct {
	burst time.Duration
	relax time.Duration

	bursting atomic.Bool
	wake     chan struct{}
}

var _ api.PollingHandle = (*Scheduler)(nil)

func New(burst, relax time.Duration) *Scheduler {
	if burst <= 0 {
		burst = time.Second
	}
	if relax < burst {
		relax = burst
	}
	return &Scheduler{
		burst: burst,
		relax: relax,
		wake:  make(chan struct{}, 1),
	}
}

func (s *Scheduler) Burst() {
	if !s.bursting.Swap(true) {
		log.Debugf("Switching to burst polling (%s)", s.burst)
		s.nudge()
	}
}

func (s *Scheduler) Relax() {
	if s.bursting.Swap(false) {
		log.Debugf("Switching to relax polling (%s)", s.relax)
		s.nudge()
	}
}

func (s *Scheduler) Bursting() bool {
	return s.bursting.Load()
}

func (s *Scheduler) Interval() time.Duration {
	if s.bursting.Load() {
		return s.burst
	}
	return s.relax
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run calls fn once per interval until ctx is done. A mode switch re-arms
// the timer with the new interval without calling fn early.
func (s *Scheduler) Run(ctx context.Context, fn func(ctx context.Context)) {
	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.Interval())
		case <-timer.C:
			fn(ctx)
			timer.Reset(s.Interval())
		}
	}
}
