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
Package sourcestats keeps the sample history of one time source and estimates
offset, frequency and skew of the local clock relative to it.
*/
package sourcestats

import (
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMaxSamples is the default and largest number of samples a register keeps
	DefaultMaxSamples = 64
	// MinSkew is the floor of the frequency error bound
	MinSkew = 1.0e-12
	// MaxSkew is the worst case frequency error bound (2000 ppm)
	MaxSkew = 2000.0e-6

	// offset standard deviation assumed when no fit is possible
	maxOffsetSD = 86400.0
	// fewer samples than this disable the delay ratio test
	minSamplesForDelayTest = 6
	// relation of median to minimum distance used to scale weights
	weightSpread = 0.7
)

// Sample is one accepted measurement of a source
type Sample struct {
	Time           time.Time // local time in the middle of the exchange
	Offset         float64   // positive means local clock is fast
	PeerDelay      float64
	PeerDispersion float64
	RootDelay      float64
	RootDispersion float64
	Stratum        int
}

// Config tunes a register
type Config struct {
	MinSamples    int
	MaxSamples    int
	FixedMinDelay float64
	// Precision is the local clock reading quantum in seconds
	Precision float64
}

// DefaultConfig returns Config with default values
func DefaultConfig() Config {
	return Config{
		MaxSamples: DefaultMaxSamples,
		Precision:  1e-9,
	}
}

// Register is the sample history of one source with its regression state
type Register struct {
	name string
	cfg  Config

	// newest nSamples entries are active, older ones only feed the runs test
	samples  *ring[Sample]
	nSamples int

	minDelayIndex int // Recent index of the active sample with smallest delay
	bestIndex     int // Recent index of the sample with tightest root distance

	regressionOK         bool
	estimatedOffset      float64
	estimatedOffsetSD    float64
	offsetTime           time.Time
	estimatedFrequency   float64
	estimatedFrequencySD float64
	skew                 float64
	variance             float64
	runs                 int
	dof                  int
}

// New creates empty register
func New(name string, cfg Config) *Register {
	if cfg.MaxSamples <= 0 || cfg.MaxSamples > DefaultMaxSamples {
		cfg.MaxSamples = DefaultMaxSamples
	}
	if cfg.MinSamples > cfg.MaxSamples {
		cfg.MinSamples = cfg.MaxSamples
	}
	if cfg.Precision <= 0 {
		cfg.Precision = DefaultConfig().Precision
	}
	r := &Register{
		name:    name,
		cfg:     cfg,
		samples: newRing[Sample](cfg.MaxSamples * RunsRatio),
	}
	r.Reset()
	return r
}

// Reset discards the whole history
func (r *Register) Reset() {
	r.samples.Reset()
	r.nSamples = 0
	r.minDelayIndex = 0
	r.bestIndex = 0
	r.regressionOK = false
	r.estimatedOffset = 0
	r.estimatedOffsetSD = maxOffsetSD
	r.offsetTime = time.Time{}
	r.estimatedFrequency = 0
	r.estimatedFrequencySD = MaxSkew
	r.skew = MaxSkew
	r.variance = 0
	r.runs = 0
	r.dof = 0
}

// Samples returns number of samples in the register
func (r *Register) Samples() int {
	return r.nSamples
}

// LastSampleTime returns time of the newest sample
func (r *Register) LastSampleTime() (time.Time, bool) {
	if r.nSamples == 0 {
		return time.Time{}, false
	}
	return r.samples.Recent(0).Time, true
}

// runsSamples returns number of pruned samples kept for the runs test
func (r *Register) runsSamples() int {
	return r.samples.Len() - r.nSamples
}

// AccumulateSample stores a new sample and updates the estimates
func (r *Register) AccumulateSample(s Sample) {
	if r.nSamples > 0 && r.nSamples >= r.cfg.MaxSamples {
		r.prune(1)
	}

	if r.nSamples > 0 && !s.Time.After(r.samples.Recent(0).Time) {
		log.Warningf("%s: out of order sample detected, discarding history", r.name)
		r.Reset()
	}

	if s.PeerDelay < r.cfg.FixedMinDelay {
		s.PeerDelay = 2.0*r.cfg.FixedMinDelay - s.PeerDelay
	}

	if r.samples.Full() && r.runsSamples() == 0 {
		log.Fatalf("%s: no room for a new sample in register of %d", r.name, r.samples.Cap())
	}
	r.samples.Push(s)
	r.nSamples++

	if r.nSamples == 1 {
		r.minDelayIndex = 0
	} else {
		r.minDelayIndex++
		if s.PeerDelay < r.samples.Recent(r.minDelayIndex).PeerDelay {
			r.minDelayIndex = 0
		}
	}

	r.doNewRegression()
}

// prune makes k oldest active samples available only to the runs test
func (r *Register) prune(k int) {
	if k <= 0 {
		return
	}
	r.nSamples -= k
	if extra := r.runsSamples() - r.nSamples*(RunsRatio-1); extra > 0 {
		r.samples.DropOldest(extra)
	}
	r.findMinDelaySample()
}

func (r *Register) findMinDelaySample() {
	r.minDelayIndex = 0
	for i := 1; i < r.nSamples; i++ {
		if r.samples.Recent(i).PeerDelay < r.samples.Recent(r.minDelayIndex).PeerDelay {
			r.minDelayIndex = i
		}
	}
}

// weights derives regression weights from how much each delay exceeds the minimum
func (r *Register) weights() []float64 {
	n := r.nSamples
	delays := make([]float64, n)
	minDelay := math.MaxFloat64
	for i := 0; i < n; i++ {
		delays[i] = r.samples.Recent(n - 1 - i).PeerDelay
		minDelay = math.Min(minDelay, delays[i])
	}
	precision := r.cfg.Precision
	sd := (Median(delays) - minDelay) / weightSpread
	sd = math.Max(precision, math.Min(sd, minDelay))
	minDelay += precision

	w := make([]float64, n)
	for i, d := range delays {
		sdWeight := 1.0
		if d > minDelay {
			sdWeight += (d - minDelay) / sd
		}
		w[i] = sdWeight * sdWeight
	}
	return w
}

func (r *Register) doNewRegression() {
	total := r.samples.Len()
	m := r.runsSamples()
	last := r.samples.Recent(0).Time

	// oldest first, time relative to the newest sample
	x := make([]float64, total)
	y := make([]float64, total)
	for k := 0; k < total; k++ {
		s := r.samples.Recent(total - 1 - k)
		x[k] = s.Time.Sub(last).Seconds()
		y[k] = s.Offset
	}

	reg, ok := FindBestRegression(x, y, r.weights(), m, r.cfg.MinSamples)
	r.regressionOK = ok
	if ok {
		r.estimatedFrequency = reg.Slope
		r.estimatedFrequencySD = clamp(MinSkew, reg.SlopeSD, MaxSkew)
		r.skew = clamp(MinSkew, reg.SlopeSD*TCoef(reg.DOF), MaxSkew)
		r.estimatedOffset = reg.Intercept
		r.offsetTime = last
		r.estimatedOffsetSD = reg.InterceptSD
		r.variance = reg.Variance
		r.runs = reg.Runs
		r.dof = reg.DOF

		log.Debugf("%s: n=%d runs=%d start=%d off=%e freq=%e skew=%e",
			r.name, r.nSamples, reg.Runs, reg.Start, r.estimatedOffset, r.estimatedFrequency, r.skew)

		r.prune(reg.Start)
	} else {
		r.estimatedFrequency = 0
		r.estimatedFrequencySD = MaxSkew
		r.skew = MaxSkew
		r.estimatedOffsetSD = maxOffsetSD
		r.variance = 0
		r.runs = 0
		r.dof = 0
	}

	r.findBestSample()
}

// findBestSample finds the sample giving the tightest bound on root distance now
func (r *Register) findBestSample() {
	if r.nSamples == 0 {
		return
	}
	last := r.samples.Recent(0).Time
	best := math.MaxFloat64
	for i := 0; i < r.nSamples; i++ {
		s := r.samples.Recent(i)
		elapsed := last.Sub(s.Time).Seconds()
		distance := s.RootDispersion + elapsed*r.skew + 0.5*s.RootDelay
		if distance < best {
			best = distance
			r.bestIndex = i
		}
	}
}

// PredictOffset estimates offset of the local clock at given time
func (r *Register) PredictOffset(when time.Time) float64 {
	if r.nSamples < MinSamplesForRegression {
		if r.nSamples > 0 {
			return r.samples.Recent(0).Offset
		}
		return 0
	}
	return r.estimatedOffset + when.Sub(r.offsetTime).Seconds()*r.estimatedFrequency
}

// MinRoundTripDelay returns the smallest delay in the register
func (r *Register) MinRoundTripDelay() float64 {
	if r.cfg.FixedMinDelay > 0 {
		return r.cfg.FixedMinDelay
	}
	if r.nSamples == 0 {
		return math.MaxFloat64
	}
	return r.samples.Recent(r.minDelayIndex).PeerDelay
}

// IsGoodSample checks whether delay of a new measurement is consistent with
// the history, or whether its offset moved more than the delay could explain
func (r *Register) IsGoodSample(offset, delay, maxDelayDevRatio, clockError float64, when time.Time) bool {
	if r.nSamples < MinSamplesForRegression {
		return true
	}
	elapsed := when.Sub(r.offsetTime).Seconds()

	allowedIncrease := math.Sqrt(r.variance)*maxDelayDevRatio + elapsed*(r.skew+clockError)
	delayIncrease := (delay - r.MinRoundTripDelay()) / 2.0

	if delayIncrease < allowedIncrease {
		return true
	}

	offset -= r.estimatedOffset + elapsed*r.estimatedFrequency

	// a shift larger than the delay increase is a real change of the source
	if math.Abs(offset)-delayIncrease > allowedIncrease {
		return true
	}

	log.Debugf("%s: bad sample offset=%e delay=%e incr_delay=%e allowed=%e",
		r.name, offset, delay, delayIncrease, allowedIncrease)
	return false
}

// FrequencyRange returns the interval the frequency offset of the source is within
func (r *Register) FrequencyRange() (lo, hi float64) {
	return r.estimatedFrequency - r.skew, r.estimatedFrequency + r.skew
}

// DelayTestData returns what the delay ratio test needs, false if the history is too short
func (r *Register) DelayTestData(when time.Time) (lastSampleAgo, predictedOffset, minDelay, skew, stdDev float64, ok bool) {
	if r.nSamples < minSamplesForDelayTest {
		return 0, 0, 0, 0, 0, false
	}
	lastSampleAgo = when.Sub(r.samples.Recent(0).Time).Seconds()
	predictedOffset = r.PredictOffset(when)
	return lastSampleAgo, predictedOffset, r.MinRoundTripDelay(), r.skew, math.Sqrt(r.variance), true
}

// SelectionData bounds the offset of the local clock relative to the source
type SelectionData struct {
	OffsetLo       float64
	OffsetHi       float64
	RootDistance   float64
	StdDev         float64
	FirstSampleAgo float64
	LastSampleAgo  float64
	Stratum        int
	OK             bool
}

// SelectionData projects the best sample to the given time
func (r *Register) SelectionData(now time.Time) SelectionData {
	if r.nSamples == 0 {
		return SelectionData{}
	}
	best := r.samples.Recent(r.bestIndex)
	elapsed := math.Abs(now.Sub(best.Time).Seconds())
	offset := best.Offset + elapsed*r.estimatedFrequency
	distance := 0.5*best.RootDelay + best.RootDispersion + elapsed*r.skew

	return SelectionData{
		OffsetLo:       offset - distance,
		OffsetHi:       offset + distance,
		RootDistance:   distance,
		StdDev:         math.Sqrt(r.variance),
		FirstSampleAgo: now.Sub(r.samples.Recent(r.nSamples - 1).Time).Seconds(),
		LastSampleAgo:  now.Sub(r.samples.Recent(0).Time).Seconds(),
		Stratum:        r.samples.Recent(0).Stratum,
		OK:             r.regressionOK,
	}
}

// Estimate is the current regression result
type Estimate struct {
	Offset      float64
	OffsetSD    float64
	OffsetTime  time.Time
	Frequency   float64
	FrequencySD float64
	Skew        float64
	Variance    float64
	OK          bool
}

// Estimate returns the current regression result
func (r *Register) Estimate() Estimate {
	return Estimate{
		Offset:      r.estimatedOffset,
		OffsetSD:    r.estimatedOffsetSD,
		OffsetTime:  r.offsetTime,
		Frequency:   r.estimatedFrequency,
		FrequencySD: r.estimatedFrequencySD,
		Skew:        r.skew,
		Variance:    r.variance,
		OK:          r.regressionOK,
	}
}

// adjustTime moves t as if the clock correction had always been in effect
// and returns the shift in seconds
func adjustTime(t, when time.Time, dfreq, doffset float64) (time.Time, float64) {
	delta := when.Sub(t).Seconds()*dfreq - doffset
	return t.Add(time.Duration(delta * float64(time.Second))), delta
}

// SlewSamples keeps the history consistent after the local clock was
// corrected at when by doffset seconds and slowed by dfreq
func (r *Register) SlewSamples(when time.Time, dfreq, doffset float64) {
	if r.samples.Len() == 0 {
		return
	}
	for i := 0; i < r.samples.Len(); i++ {
		s := r.samples.Recent(i)
		var delta float64
		s.Time, delta = adjustTime(s.Time, when, dfreq, doffset)
		s.Offset += delta
	}

	if !r.offsetTime.IsZero() {
		var delta float64
		r.offsetTime, delta = adjustTime(r.offsetTime, when, dfreq, doffset)
		r.estimatedOffset += delta
	}
	r.estimatedFrequency = (r.estimatedFrequency - dfreq) / (1.0 - dfreq)

	log.Debugf("%s: slewed samples dfreq=%e doffset=%e", r.name, dfreq, doffset)
}

// Report summarizes the register for monitoring
type Report struct {
	Samples     int     `json:"samples"`
	Runs        int     `json:"runs"`
	SpanSeconds float64 `json:"span_seconds"`
	Offset      float64 `json:"offset"`
	OffsetSD    float64 `json:"offset_sd"`
	Frequency   float64 `json:"frequency_ppm"`
	Skew        float64 `json:"skew_ppm"`
	StdDev      float64 `json:"std_dev"`
	MinDelay    float64 `json:"min_delay"`
}

// Report returns summary of the register
func (r *Register) Report() Report {
	rep := Report{
		Samples:   r.nSamples,
		Runs:      r.runs,
		Offset:    r.estimatedOffset,
		OffsetSD:  r.estimatedOffsetSD,
		Frequency: r.estimatedFrequency * 1e6,
		Skew:      r.skew * 1e6,
		StdDev:    math.Sqrt(r.variance),
	}
	if r.nSamples > 0 {
		rep.SpanSeconds = r.samples.Recent(0).Time.Sub(r.samples.Recent(r.nSamples - 1).Time).Seconds()
		rep.MinDelay = r.MinRoundTripDelay()
	}
	return rep
}

// Snapshot returns active samples, oldest first
func (r *Register) Snapshot() []Sample {
	out := make([]Sample, 0, r.nSamples)
	for i := r.nSamples - 1; i >= 0; i-- {
		out = append(out, *r.samples.Recent(i))
	}
	return out
}

// Restore replaces the history with saved samples
func (r *Register) Restore(samples []Sample) {
	r.Reset()
	for _, s := range samples {
		r.AccumulateSample(s)
	}
}

func clamp(lo, x, hi float64) float64 {
	return math.Max(lo, math.Min(x, hi))
}
