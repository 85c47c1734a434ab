// Copyright 2024 The nodemesh Authors
// This file is part of the nodemesh library.
//
// The nodemesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodemesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodemesh library. If not, see <http://www.gnu.org/licenses/>.

package mclock

import (
	"container/heap"
	"sync"
	"time"
)

// Simulated implements a virtual Clock for reproducible time-sensitive tests.
//
// The virtual clock doesn't advance on its own, call Run to advance it and execute
// timers. Timer callbacks run on the goroutine calling Run. To test a timeout,
// perform the action that arms the timer, wait for it with WaitForTimers, then Run
// the clock past the deadline and observe the effect.
type Simulated struct {
	mu        sync.Mutex
	cond      *sync.Cond
	now       AbsTime
	scheduled simTimerHeap
	seq       uint64
}

type simTimer struct {
	at    AbsTime
	seq   uint64
	index int // position in the heap, -1 once fired or stopped
	do    func(AbsTime)
	s     *Simulated
}

// Run moves the clock by the given duration, executing all timers due before the
// new time in order.
func (s *Simulated) Run(d time.Duration) {
	s.mu.Lock()
	s.init()
	end := s.now.Add(d)
	var due []*simTimer
	for len(s.scheduled) > 0 && s.scheduled[0].at <= end {
		ev := heap.Pop(&s.scheduled).(*simTimer)
		s.now = ev.at
		due = append(due, ev)
	}
	s.now = end
	s.mu.Unlock()

	for _, ev := range due {
		ev.do(ev.at)
	}
}

// ActiveTimers returns the number of timers that haven't fired.
func (s *Simulated) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

// WaitForTimers waits until the clock has at least n scheduled timers.
func (s *Simulated) WaitForTimers(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	for len(s.scheduled) < n {
		s.cond.Wait()
	}
}

// Now returns the current virtual time.
func (s *Simulated) Now() AbsTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Sleep blocks until the clock has advanced by d.
func (s *Simulated) Sleep(d time.Duration) {
	<-s.After(d)
}

// After returns a channel which receives the virtual time once the clock has
// advanced by d.
func (s *Simulated) After(d time.Duration) <-chan AbsTime {
	ch := make(chan AbsTime, 1)
	s.schedule(d, func(at AbsTime) { ch <- at })
	return ch
}

// AfterFunc runs fn after the clock has advanced by d.
func (s *Simulated) AfterFunc(d time.Duration, fn func()) Timer {
	return s.schedule(d, func(AbsTime) { fn() })
}

func (s *Simulated) schedule(d time.Duration, fn func(AbsTime)) *simTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	s.seq++
	ev := &simTimer{at: s.now.Add(d), seq: s.seq, do: fn, s: s}
	heap.Push(&s.scheduled, ev)
	s.cond.Broadcast()
	return ev
}

func (s *Simulated) init() {
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
}

// Stop cancels the timer.
func (ev *simTimer) Stop() bool {
	s := ev.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.index < 0 {
		return false
	}
	heap.Remove(&s.scheduled, ev.index)
	s.cond.Broadcast()
	return true
}

// simTimerHeap orders timers by due time, then by creation order.
type simTimerHeap []*simTimer

func (h simTimerHeap) Len() int { return len(h) }

func (h simTimerHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h simTimerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *simTimerHeap) Push(x interface{}) {
	t := x.(*simTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *simTimerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
