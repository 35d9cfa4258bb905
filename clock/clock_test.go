//go:build linux && !386

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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/facebook/ntpd/ntp/core"
)

var _ core.Clock = &System{}

func TestStepTimex(t *testing.T) {
	tx := stepTimex(1500 * time.Millisecond)
	require.Equal(t, AdjSetOffset|AdjNano, tx.Modes)
	require.Equal(t, int64(1), tx.Time.Sec)
	require.Equal(t, int64(500000000), tx.Time.Usec)

	tx = stepTimex(-1500 * time.Millisecond)
	require.Equal(t, int64(-2), tx.Time.Sec)
	require.Equal(t, int64(500000000), tx.Time.Usec)

	tx = stepTimex(-2 * time.Second)
	require.Equal(t, int64(-2), tx.Time.Sec)
	require.Equal(t, int64(0), tx.Time.Usec)
}

func TestSingleshotTimex(t *testing.T) {
	tx, err := singleshotTimex(-0.001)
	require.NoError(t, err)
	require.Equal(t, AdjOffsetSingleshot, tx.Modes)
	require.Equal(t, int64(-1000), tx.Offset)

	tx, err = singleshotTimex(3)
	require.NoError(t, err)
	require.Equal(t, int64(3000000), tx.Offset)

	_, err = singleshotTimex(MaxSlew + 1)
	require.Error(t, err)
}

// fakeKernel emulates singleshot slewing of clock_adjtime
type fakeKernel struct {
	pending int64
	freq    int64
	modes   []uint32
}

func (k *fakeKernel) adjtime(_ int32, tx *unix.Timex) (int, error) {
	k.modes = append(k.modes, tx.Modes)
	switch tx.Modes {
	case AdjOffsetSSRead:
		tx.Offset = k.pending
	case AdjOffsetSingleshot:
		k.pending = tx.Offset
	case AdjFrequency:
		k.freq = tx.Freq
	case 0:
		tx.Freq = k.freq
		tx.Tolerance = 32768000
	}
	return 0, nil
}

func withFakeKernel(t *testing.T) *fakeKernel {
	k := &fakeKernel{}
	clockAdjtime = k.adjtime
	t.Cleanup(func() { clockAdjtime = unix.ClockAdjtime })
	return k
}

func TestSystemSlewsLargeOffset(t *testing.T) {
	k := withFakeKernel(t)
	now := time.Unix(1700000000, 0)
	s := &System{precision: 1e-6, maxClockError: 1e-6, now: func() time.Time { return now }}

	require.NoError(t, s.AccumulateOffset(3, 1e-6))
	require.Equal(t, int64(-3000000), k.pending)
	got, _ := s.ReadCookedTime()
	require.Equal(t, now.Add(-3*time.Second), got)

	// pending slew accumulates
	require.NoError(t, s.AccumulateOffset(-1, 1e-6))
	require.Equal(t, int64(-2000000), k.pending)

	require.Error(t, s.AccumulateOffset(MaxSlew, 1e-6))
}

func TestSystemCookTime(t *testing.T) {
	k := withFakeKernel(t)
	k.pending = -200000
	s := &System{precision: 1e-6, maxClockError: 1e-6, now: time.Now}

	raw := time.Unix(1700000000, 0)
	got, errEst := s.CookTime(raw)
	require.Equal(t, raw.Add(-200*time.Millisecond), got)
	require.Equal(t, 1e-6, errEst)

	// readings never carry a monotonic clock, stepping the clock would break it
	mono := time.Now()
	got, _ = s.CookTime(mono)
	require.Equal(t, mono.Round(0).Add(-200*time.Millisecond), got)
	got, _ = s.ReadCookedTime()
	require.Equal(t, got.Round(0), got)

	s.readOnly = true
	got, _ = s.CookTime(mono)
	require.Equal(t, mono.Round(0), got)
}

func TestPrecisionLog2(t *testing.T) {
	require.Equal(t, int8(-29), precisionLog2(1e-9))
	require.Equal(t, int8(-29), precisionLog2(0))
	require.Equal(t, int8(-18), precisionLog2(2e-6))
	require.Equal(t, int8(-20), precisionLog2(1.0/(1<<20)))
}

func TestClampFreq(t *testing.T) {
	require.Equal(t, 500000.0, clampFreq(600000, 500000))
	require.Equal(t, -500000.0, clampFreq(-600000, 500000))
	require.Equal(t, 100.0, clampFreq(100, 500000))
}

func TestReadOnlySystem(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := &System{precision: 1e-6, maxClockError: 1e-6, readOnly: true, now: func() time.Time { return now }}
	got, errEst := s.ReadCookedTime()
	require.Equal(t, now, got)
	require.Equal(t, 1e-6, errEst)
	require.NoError(t, s.ApplyStep(1))
	require.NoError(t, s.AccumulateOffset(0.01, 1e-6))
	require.NoError(t, s.AccumulateFrequency(10))
	require.Equal(t, int8(-19), s.PrecisionLog2())
	require.Equal(t, 1e-6, s.MaxClockError())
}
