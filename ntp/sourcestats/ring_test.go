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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingPushRecent(t *testing.T) {
	r := newRing[int](3)
	require.Equal(t, 0, r.Len())
	require.Equal(t, 3, r.Cap())

	r.Push(1)
	r.Push(2)
	require.Equal(t, 2, r.Len())
	require.Equal(t, 2, *r.Recent(0))
	require.Equal(t, 1, *r.Recent(1))
	require.False(t, r.Full())

	r.Push(3)
	r.Push(4)
	require.True(t, r.Full())
	require.Equal(t, 4, *r.Recent(0))
	require.Equal(t, 3, *r.Recent(1))
	require.Equal(t, 2, *r.Recent(2))
	require.Panics(t, func() { r.Recent(3) })
}

func TestRingDropOldest(t *testing.T) {
	r := newRing[int](4)
	for i := 0; i < 4; i++ {
		r.Push(i)
	}
	r.DropOldest(3)
	require.Equal(t, 1, r.Len())
	require.Equal(t, 3, *r.Recent(0))

	r.Push(4)
	require.Equal(t, 4, *r.Recent(0))
	require.Equal(t, 3, *r.Recent(1))

	r.DropOldest(10)
	require.Equal(t, 0, r.Len())

	r.Push(5)
	r.Reset()
	require.Equal(t, 0, r.Len())
}

func TestRingRecentIsMutable(t *testing.T) {
	r := newRing[int](2)
	r.Push(1)
	*r.Recent(0) = 7
	require.Equal(t, 7, *r.Recent(0))
}
