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
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const minPrecision = 1e-9

// System is the realtime clock of the host. With ReadOnly set it is only
// read and all corrections are logged and dropped.
type System struct {
	clockID       int32
	precision     float64
	maxClockError float64
	maxFreqPPB    float64
	readOnly      bool
	now           func() time.Time
}

// NewSystem returns the realtime clock. maxClockErrorPPM bounds the
// frequency error of the clock, precision overrides the measured reading
// resolution when positive.
func NewSystem(maxClockErrorPPM, precision float64, readOnly bool) (*System, error) {
	s := &System{
		clockID:       unix.CLOCK_REALTIME,
		maxClockError: maxClockErrorPPM * 1e-6,
		readOnly:      readOnly,
		now:           time.Now,
	}
	if precision > 0 {
		s.precision = precision
	} else {
		var res unix.Timespec
		if err := unix.ClockGetres(s.clockID, &res); err != nil {
			return nil, fmt.Errorf("reading clock resolution: %w", err)
		}
		s.precision = math.Max(float64(res.Nano())/1e9, minPrecision)
	}
	maxFreq, _, err := MaxFreqPPB(s.clockID)
	if err != nil {
		return nil, fmt.Errorf("reading maximum frequency: %w", err)
	}
	s.maxFreqPPB = maxFreq
	log.Infof("system clock precision %v, max frequency adjustment %v ppb", s.precision, s.maxFreqPPB)
	return s, nil
}

// ReadCookedTime returns current time with pending slew already applied
func (s *System) ReadCookedTime() (time.Time, float64) {
	return s.CookTime(s.now())
}

// CookTime applies pending slew to a raw reading of the clock. The result
// carries no monotonic reading, so it stays comparable with stepped times.
func (s *System) CookTime(raw time.Time) (time.Time, float64) {
	raw = raw.Round(0)
	if s.readOnly {
		return raw, s.precision
	}
	remaining, err := RemainingSlew(s.clockID)
	if err != nil {
		log.Errorf("failed to read remaining slew: %v", err)
		return raw, s.precision
	}
	return raw.Add(time.Duration(remaining * float64(time.Second))), s.precision
}

// ApplyStep steps the clock back by offset seconds
func (s *System) ApplyStep(offset float64) error {
	step := time.Duration(-offset * float64(time.Second))
	if s.readOnly {
		log.Infof("read-only clock, not stepping by %v", step)
		return nil
	}
	if _, err := Step(s.clockID, step); err != nil {
		return fmt.Errorf("stepping clock by %v: %w", step, err)
	}
	log.Infof("system clock stepped by %v", step)
	return nil
}

// AccumulateOffset slews offset seconds away on top of what is still pending
func (s *System) AccumulateOffset(offset, errorEstimate float64) error {
	if s.readOnly {
		log.Debugf("read-only clock, not slewing %e", -offset)
		return nil
	}
	remaining, err := RemainingSlew(s.clockID)
	if err != nil {
		return fmt.Errorf("reading remaining slew: %w", err)
	}
	if _, err := SlewOffset(s.clockID, remaining-offset); err != nil {
		return err
	}
	if err := SetSync(s.clockID, time.Duration((math.Abs(offset)+errorEstimate)*float64(time.Second))); err != nil {
		log.Warningf("failed to set clock sync state: %v", err)
	}
	return nil
}

// AccumulateFrequency slows the clock down by ppm
func (s *System) AccumulateFrequency(ppm float64) error {
	if s.readOnly {
		log.Debugf("read-only clock, not changing frequency by %e ppm", -ppm)
		return nil
	}
	cur, _, err := FrequencyPPB(s.clockID)
	if err != nil {
		return fmt.Errorf("reading frequency: %w", err)
	}
	freq := clampFreq(cur-ppm*1000, s.maxFreqPPB)
	if _, err := AdjFreqPPB(s.clockID, freq); err != nil {
		return fmt.Errorf("setting frequency to %v ppb: %w", freq, err)
	}
	return nil
}

// Precision is the reading resolution in seconds
func (s *System) Precision() float64 {
	return s.precision
}

// PrecisionLog2 is the precision as advertised in packets
func (s *System) PrecisionLog2() int8 {
	return precisionLog2(s.precision)
}

// MaxClockError is the frequency error bound of the clock as a fraction
func (s *System) MaxClockError() float64 {
	return s.maxClockError
}

func precisionLog2(precision float64) int8 {
	return int8(math.Ceil(math.Log2(math.Max(precision, minPrecision))))
}

func clampFreq(freqPPB, maxPPB float64) float64 {
	return math.Max(-maxPPB, math.Min(freqPPB, maxPPB))
}
