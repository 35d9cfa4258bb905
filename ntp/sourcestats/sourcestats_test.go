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
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

func sampleAt(sec float64, offset, delay float64) Sample {
	return Sample{
		Time:           epoch.Add(time.Duration(sec * float64(time.Second))),
		Offset:         offset,
		PeerDelay:      delay,
		PeerDispersion: 1e-6,
		RootDelay:      delay + 0.001,
		RootDispersion: 0.0005,
		Stratum:        2,
	}
}

func TestAccumulateKeepsOrderAndLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSamples = 16
	r := New("test", cfg)

	for i := 0; i < 100; i++ {
		r.AccumulateSample(sampleAt(float64(i)*16, 0.001*float64(i%3), 0.01))
		require.LessOrEqual(t, r.Samples(), 16)

		samples := r.Snapshot()
		require.Len(t, samples, r.Samples())
		for j := 1; j < len(samples); j++ {
			require.True(t, samples[j].Time.After(samples[j-1].Time))
		}
	}
}

func TestMaxSamplesCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSamples = 1000
	r := New("test", cfg)
	require.Equal(t, DefaultMaxSamples, r.cfg.MaxSamples)
}

func TestOutOfOrderResetsHistory(t *testing.T) {
	r := New("test", DefaultConfig())
	for i := 0; i < 5; i++ {
		r.AccumulateSample(sampleAt(float64(i)*64, 0.0001, 0.01))
	}
	require.Equal(t, 5, r.Samples())

	late := sampleAt(4*64, 0.5, 0.02)
	r.AccumulateSample(late)
	require.Equal(t, 1, r.Samples())
	require.Equal(t, []Sample{late}, r.Snapshot())

	r.AccumulateSample(sampleAt(0, 0.3, 0.02))
	require.Equal(t, 1, r.Samples())
	require.Equal(t, 0.3, r.Snapshot()[0].Offset)
}

func TestRegressionRecoversLine(t *testing.T) {
	for _, a := range []float64{-1e-3, 0, 0.4e-3, 1e-3} {
		for _, b := range []float64{-1e-6, 0, 1e-6} {
			t.Run(fmt.Sprintf("a=%v b=%v", a, b), func(t *testing.T) {
				r := New("test", DefaultConfig())
				var last float64
				for i := 0; i < 16; i++ {
					ts := float64(i) * 64
					noise := 1e-6
					if i%2 == 1 {
						noise = -noise
					}
					r.AccumulateSample(sampleAt(ts, a+b*ts+noise, 0.01))
					last = ts
				}
				est := r.Estimate()
				require.True(t, est.OK)
				require.GreaterOrEqual(t, est.Skew, MinSkew)
				require.LessOrEqual(t, math.Abs(est.Frequency-b), est.Skew)
				require.InDelta(t, a+b*last, est.Offset, 2e-6)

				when := sampleAt(last+64, 0, 0).Time
				require.InDelta(t, a+b*(last+64), r.PredictOffset(when), 2e-6)
			})
		}
	}
}

func TestRegressionInfeasible(t *testing.T) {
	r := New("test", DefaultConfig())
	r.AccumulateSample(sampleAt(0, 0.001, 0.01))
	r.AccumulateSample(sampleAt(64, 0.002, 0.01))

	est := r.Estimate()
	require.False(t, est.OK)
	require.Equal(t, 0.0, est.Frequency)
	require.Equal(t, MaxSkew, est.Skew)
	lo, hi := r.FrequencyRange()
	require.Equal(t, -MaxSkew, lo)
	require.Equal(t, MaxSkew, hi)
}

func TestSkewFloor(t *testing.T) {
	r := New("test", DefaultConfig())
	for i := 0; i < 10; i++ {
		r.AccumulateSample(sampleAt(float64(i)*64, 0, 0.01))
	}
	est := r.Estimate()
	require.True(t, est.OK)
	require.Equal(t, MinSkew, est.Skew)
}

func TestPredictOffsetFewSamples(t *testing.T) {
	r := New("test", DefaultConfig())
	require.Equal(t, 0.0, r.PredictOffset(epoch))

	r.AccumulateSample(sampleAt(0, 0.25, 0.01))
	require.Equal(t, 0.25, r.PredictOffset(epoch.Add(time.Hour)))

	r.AccumulateSample(sampleAt(64, 0.5, 0.01))
	require.Equal(t, 0.5, r.PredictOffset(epoch.Add(time.Hour)))
}

func TestMinRoundTripDelay(t *testing.T) {
	r := New("test", DefaultConfig())
	require.Equal(t, math.MaxFloat64, r.MinRoundTripDelay())

	r.AccumulateSample(sampleAt(0, 0, 0.03))
	r.AccumulateSample(sampleAt(1, 0, 0.01))
	r.AccumulateSample(sampleAt(2, 0, 0.02))
	require.Equal(t, 0.01, r.MinRoundTripDelay())

	cfg := DefaultConfig()
	cfg.FixedMinDelay = 0.005
	f := New("fixed", cfg)
	f.AccumulateSample(sampleAt(0, 0, 0.001))
	require.Equal(t, 0.005, f.MinRoundTripDelay())
	require.InDelta(t, 0.009, f.Snapshot()[0].PeerDelay, 1e-12)
}

func TestIsGoodSample(t *testing.T) {
	r := New("test", DefaultConfig())
	when := epoch
	require.True(t, r.IsGoodSample(0, 10, 10, 1e-6, when))

	noise := 1e-6
	for i := 0; i < 10; i++ {
		noise = -noise
		r.AccumulateSample(sampleAt(float64(i)*64, 0.001+noise, 0.01))
	}
	when = sampleAt(10*64, 0, 0).Time

	require.True(t, r.IsGoodSample(0.001, 0.01, 10, 1e-6, when))
	// delay spike without an offset change
	require.False(t, r.IsGoodSample(0.001, 1.0, 10, 1e-6, when))
	// delay spike explained by a real shift of the source
	require.True(t, r.IsGoodSample(10.0, 1.0, 10, 1e-6, when))
}

func TestDelayTestData(t *testing.T) {
	r := New("test", DefaultConfig())
	for i := 0; i < 5; i++ {
		r.AccumulateSample(sampleAt(float64(i)*64, 0, 0.01))
	}
	_, _, _, _, _, ok := r.DelayTestData(epoch.Add(time.Hour))
	require.False(t, ok)

	r.AccumulateSample(sampleAt(5*64, 0, 0.01))
	ago, _, minDelay, _, _, ok := r.DelayTestData(sampleAt(6*64, 0, 0).Time)
	require.True(t, ok)
	require.InDelta(t, 64.0, ago, 1e-9)
	require.Equal(t, 0.01, minDelay)
}

func TestSlewSamples(t *testing.T) {
	r := New("test", DefaultConfig())
	for i := 0; i < 8; i++ {
		r.AccumulateSample(sampleAt(float64(i)*64, 0.5, 0.01))
	}
	before := r.Snapshot()
	when := sampleAt(8*64, 0, 0).Time
	predicted := r.PredictOffset(when)

	r.SlewSamples(when, 0, 0.5)

	after := r.Snapshot()
	require.Len(t, after, len(before))
	for i := range after {
		require.InDelta(t, before[i].Offset-0.5, after[i].Offset, 1e-9)
		require.InDelta(t, -0.5, after[i].Time.Sub(before[i].Time).Seconds(), 1e-9)
	}
	require.InDelta(t, predicted-0.5, r.PredictOffset(when.Add(-500*time.Millisecond)), 1e-9)
}

func TestSlewSamplesFrequency(t *testing.T) {
	r := New("test", DefaultConfig())
	for i := 0; i < 8; i++ {
		ts := float64(i) * 64
		r.AccumulateSample(sampleAt(ts, 1e-5*ts, 0.01))
	}
	require.InDelta(t, 1e-5, r.Estimate().Frequency, 1e-9)

	when := sampleAt(7*64, 0, 0).Time
	r.SlewSamples(when, 1e-5, 0)
	require.InDelta(t, 0.0, r.Estimate().Frequency, 1e-9)

	samples := r.Snapshot()
	last := samples[len(samples)-1].Offset
	for _, s := range samples {
		require.InDelta(t, last, s.Offset, 1e-9)
	}
}

func TestSelectionData(t *testing.T) {
	r := New("test", DefaultConfig())
	require.False(t, r.SelectionData(epoch).OK)

	// fewer points than the runs test looks at, nothing is pruned
	for i := 0; i < 7; i++ {
		r.AccumulateSample(sampleAt(float64(i)*64, 0.002, 0.01))
	}
	now := sampleAt(6*64, 0, 0).Time
	sd := r.SelectionData(now)
	require.True(t, sd.OK)
	require.Less(t, sd.OffsetLo, 0.002)
	require.Greater(t, sd.OffsetHi, 0.002)
	require.InDelta(t, sd.RootDistance, (sd.OffsetHi-sd.OffsetLo)/2, 1e-12)
	require.InDelta(t, 6*64.0, sd.FirstSampleAgo, 1e-9)
	require.InDelta(t, 0.0, sd.LastSampleAgo, 1e-9)
	require.Equal(t, 2, sd.Stratum)
}

func TestSnapshotRestore(t *testing.T) {
	r := New("test", DefaultConfig())
	for i := 0; i < 6; i++ {
		r.AccumulateSample(sampleAt(float64(i)*64, 0.001, 0.01))
	}
	saved := r.Snapshot()

	other := New("other", DefaultConfig())
	other.Restore(saved)
	require.Equal(t, saved, other.Snapshot())
	require.Equal(t, r.Report(), other.Report())
}

func TestReport(t *testing.T) {
	r := New("test", DefaultConfig())
	require.Equal(t, 0, r.Report().Samples)

	for i := 0; i < 4; i++ {
		r.AccumulateSample(sampleAt(float64(i)*64, 0.001, 0.01+float64(i)*0.001))
	}
	rep := r.Report()
	require.Equal(t, 4, rep.Samples)
	require.InDelta(t, 192.0, rep.SpanSeconds, 1e-9)
	require.Equal(t, 0.01, rep.MinDelay)
}
