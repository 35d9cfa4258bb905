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

package sourcestats

// ring is a fixed-capacity circular buffer. Entries are addressed relative
// to the most recent one, so callers never see the physical layout.
type ring[T any] struct {
	buf  []T
	head int // physical index of the most recent entry
	n    int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity), head: capacity - 1}
}

// Len returns number of stored entries
func (r *ring[T]) Len() int {
	return r.n
}

// Cap returns capacity of the buffer
func (r *ring[T]) Cap() int {
	return len(r.buf)
}

// Full reports whether the next Push overwrites the oldest entry
func (r *ring[T]) Full() bool {
	return r.n == len(r.buf)
}

// Push stores v as the most recent entry, overwriting the oldest one when full
func (r *ring[T]) Push(v T) {
	r.head = (r.head + 1) % len(r.buf)
	r.buf[r.head] = v
	if r.n < len(r.buf) {
		r.n++
	}
}

// Recent returns i-th most recent entry, 0 being the latest
func (r *ring[T]) Recent(i int) *T {
	if i < 0 || i >= r.n {
		panic("ring index out of range")
	}
	return &r.buf[(r.head-i+len(r.buf))%len(r.buf)]
}

// DropOldest forgets k oldest entries
func (r *ring[T]) DropOldest(k int) {
	if k > r.n {
		k = r.n
	}
	r.n -= k
}

// Reset forgets all entries
func (r *ring[T]) Reset() {
	r.n = 0
}
