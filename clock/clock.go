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

	"golang.org/x/sys/unix"
)

// PPBToTimexPPM is what we use to conver PPB to PPM.
// man clock_adjtime(2):
// In struct timex, freq, ppsfreq, and stabil are ppm (parts per million) with a 16-bit fractional part.
// To covert value where 2^16=65536 is 1 ppm to ppb or back, we need this multiplier
const PPBToTimexPPM = 65.536

// clock_adjtime modes from usr/include/linux/timex.h
const (
	// frequency offset
	AdjFrequency uint32 = 0x0002
	// maximum time error
	AdjMaxError uint32 = 0x0004
	// estimated time error
	AdjEstError uint32 = 0x0008
	// clock status
	AdjStatus uint32 = 0x0010
	// add 'time' to current time
	AdjSetOffset uint32 = 0x0100
	// select nanosecond resolution
	AdjNano uint32 = 0x2000
	// old-fashioned adjtime, offset in microseconds
	AdjOffsetSingleshot uint32 = 0x8001
	// read remaining offset of AdjOffsetSingleshot
	AdjOffsetSSRead uint32 = 0xa001
)

// MaxSlew is the largest offset in seconds adjtime style slewing accepts.
// The kernel applies it at 500 ppm.
const MaxSlew = 2145.0

// clockAdjtime is replaced in tests
var clockAdjtime = unix.ClockAdjtime

// FrequencyPPB reads device frequency in PPB
func FrequencyPPB(clockid int32) (freqPPB float64, state int, err error) {
	tx := &unix.Timex{}
	state, err = clockAdjtime(clockid, tx)
	freqPPB = float64(tx.Freq) / PPBToTimexPPM
	return freqPPB, state, err
}

// AdjFreqPPB adjusts clock frequency in PPB
func AdjFreqPPB(clockid int32, freqPPB float64) (state int, err error) {
	tx := &unix.Timex{
		Modes: AdjFrequency,
		Freq:  int64(freqPPB * PPBToTimexPPM),
	}
	return clockAdjtime(clockid, tx)
}

// stepTimex fills timex for stepping the clock by step. The value of a
// timeval is the sum of its fields and Usec (nanoseconds here) must be
// non-negative.
func stepTimex(step time.Duration) *unix.Timex {
	tx := &unix.Timex{Modes: AdjSetOffset | AdjNano}
	tx.Time.Sec = int64(step / time.Second)
	tx.Time.Usec = int64(step % time.Second)
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += int64(time.Second)
	}
	return tx
}

// Step steps clock by given step
func Step(clockid int32, step time.Duration) (state int, err error) {
	return clockAdjtime(clockid, stepTimex(step))
}

// singleshotTimex fills timex for slewing offset seconds away
func singleshotTimex(offset float64) (*unix.Timex, error) {
	if math.Abs(offset) > MaxSlew {
		return nil, fmt.Errorf("offset %v exceeds slew limit %v", offset, MaxSlew)
	}
	return &unix.Timex{
		Modes:  AdjOffsetSingleshot,
		Offset: int64(math.Round(offset * 1e6)),
	}, nil
}

// SlewOffset asks the kernel to add offset seconds to the clock gradually
func SlewOffset(clockid int32, offset float64) (state int, err error) {
	tx, err := singleshotTimex(offset)
	if err != nil {
		return 0, err
	}
	return clockAdjtime(clockid, tx)
}

// RemainingSlew returns seconds of a singleshot slew not yet applied
func RemainingSlew(clockid int32) (float64, error) {
	tx := &unix.Timex{Modes: AdjOffsetSSRead}
	if _, err := clockAdjtime(clockid, tx); err != nil {
		return 0, err
	}
	return float64(tx.Offset) / 1e6, nil
}

// MaxFreqPPB returns maximum frequency adjustment supported by the clock
func MaxFreqPPB(clockid int32) (freqPPB float64, state int, err error) {
	tx := &unix.Timex{}
	state, err = clockAdjtime(clockid, tx)
	if err != nil {
		return 0.0, state, err
	}
	freqPPB = float64(tx.Tolerance) / PPBToTimexPPM
	if freqPPB == 0 {
		freqPPB = 500000
	}
	return freqPPB, state, nil
}

// SetSync sets clock status to TIME_OK and reports estimated error
func SetSync(clockid int32, estError time.Duration) error {
	tx := &unix.Timex{
		Modes:    AdjStatus | AdjMaxError | AdjEstError,
		Esterror: estError.Microseconds(),
		Maxerror: estError.Microseconds(),
	}
	state, err := clockAdjtime(clockid, tx)

	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("clock state %d is not TIME_OK after setting sync state", state)
	}
	return err
}
