/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package sched implements the single-threaded event loop driving the
synchronization core. Timers and externally posted events (socket reads,
name resolution results) are executed one at a time on the loop goroutine,
so state touched only from callbacks needs no locking.
*/
package sched

import (
	"container/heap"
	"context"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

// TimeoutID identifies a scheduled timeout
type TimeoutID uint64

// Class groups timeouts which should not fire close to each other
type Class int

// Timeout classes
const (
	ClassNone Class = iota
	ClassNTPClient
	ClassNTPPeer
)

type classParams struct {
	separation time.Duration
	randomness float64 // fraction of delay added at random
}

var classes = map[Class]classParams{
	ClassNone:      {},
	ClassNTPClient: {separation: 20 * time.Millisecond, randomness: 0.02},
	ClassNTPPeer:   {separation: 20 * time.Millisecond, randomness: 0.02},
}

// eventQueueSize is how many posted events may wait for the loop
const eventQueueSize = 256

type timer struct {
	id       TimeoutID
	deadline time.Time
	class    Class
	fn       func()
	index    int
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	t.index = -1
	return t
}

// Loop is a timer queue plus an event queue served by one goroutine
type Loop struct {
	now       func() time.Time
	rand      *rand.Rand
	timers    timerHeap
	byID      map[TimeoutID]*timer
	nextID    TimeoutID
	events    chan func()
	done      chan struct{}
	lastEvent time.Time
}

// New creates a loop reading time with now
func New(now func() time.Time) *Loop {
	return &Loop{
		now:       now,
		rand:      rand.New(rand.NewSource(now().UnixNano())),
		byID:      map[TimeoutID]*timer{},
		events:    make(chan func(), eventQueueSize),
		done:      make(chan struct{}),
		lastEvent: now(),
	}
}

// AddTimeout schedules fn to run after delay. Timeouts of the same class are
// randomized and kept apart. Must be called from the loop goroutine.
func (l *Loop) AddTimeout(delay time.Duration, class Class, fn func()) TimeoutID {
	params := classes[class]
	if params.randomness > 0 {
		delay += time.Duration(float64(delay) * params.randomness * l.rand.Float64())
	}
	deadline := l.now().Add(delay)
	if params.separation > 0 {
		deadline = l.separate(deadline, class, params.separation)
	}

	l.nextID++
	t := &timer{id: l.nextID, deadline: deadline, class: class, fn: fn}
	heap.Push(&l.timers, t)
	l.byID[t.id] = t
	return t.id
}

// separate moves deadline later until no timeout of the class is closer than sep
func (l *Loop) separate(deadline time.Time, class Class, sep time.Duration) time.Time {
	for moved := true; moved; {
		moved = false
		for _, t := range l.timers {
			if t.class != class {
				continue
			}
			d := deadline.Sub(t.deadline)
			if d > -sep && d < sep {
				deadline = t.deadline.Add(sep)
				moved = true
			}
		}
	}
	return deadline
}

// RemoveTimeout cancels a pending timeout. Unknown ids are ignored.
func (l *Loop) RemoveTimeout(id TimeoutID) {
	t, ok := l.byID[id]
	if !ok {
		return
	}
	heap.Remove(&l.timers, t.index)
	delete(l.byID, id)
}

// LastEventTime returns the time the event being processed was dispatched
func (l *Loop) LastEventTime() time.Time {
	return l.lastEvent
}

// Pending returns number of scheduled timeouts
func (l *Loop) Pending() int {
	return len(l.timers)
}

// Post queues fn to run on the loop goroutine. Safe for concurrent use.
// Events posted after Run returned are dropped.
func (l *Loop) Post(fn func()) {
	select {
	case l.events <- fn:
	case <-l.done:
	}
}

// RunDue fires all timeouts with deadline not after now, returns how many ran
func (l *Loop) RunDue() int {
	n := 0
	for len(l.timers) > 0 {
		now := l.now()
		t := l.timers[0]
		if t.deadline.After(now) {
			break
		}
		heap.Pop(&l.timers)
		delete(l.byID, t.id)
		l.lastEvent = now
		t.fn()
		n++
	}
	return n
}

// next returns time until the earliest timeout
func (l *Loop) next() (time.Duration, bool) {
	if len(l.timers) == 0 {
		return 0, false
	}
	return l.timers[0].deadline.Sub(l.now()), true
}

// Run serves timers and posted events until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	log.Debugf("event loop started")
	defer close(l.done)
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	for {
		l.RunDue()

		wait, ok := l.next()
		if !ok {
			wait = time.Hour
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(wait)

		select {
		case <-ctx.Done():
			log.Debugf("event loop stopped")
			return ctx.Err()
		case fn := <-l.events:
			l.lastEvent = l.now()
			fn()
		case <-idle.C:
		}
	}
}
