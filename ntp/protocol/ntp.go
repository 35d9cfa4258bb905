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
Package protocol implements the NTP wire format used by the synchronization core.
It translates between raw datagrams and a simply accessible struct, including the
optional extension fields and the trailing authenticator of NTPv4 packets.
*/
package protocol

import (
	"math"
	"time"
)

// NanosecondsToUnix is the difference between NTP and Unix epoch in NS
const NanosecondsToUnix = int64(2208988800000000000)

// secondsToUnix is the difference between NTP and Unix epoch in seconds
const secondsToUnix = NanosecondsToUnix / int64(time.Second)

// eraPivot splits the 32-bit seconds into era 0 and era 1 (after Feb 2036)
const eraPivot = 0x80000000

// Time is converting Unix time to sec and frac NTP format
func Time(t time.Time) (seconds uint32, fractions uint32) {
	nsec := t.UnixNano() + NanosecondsToUnix
	sec := nsec / time.Second.Nanoseconds()
	return uint32(sec), uint32((nsec - sec*time.Second.Nanoseconds()) << 32 / time.Second.Nanoseconds())
}

// Unix is converting NTP seconds and fractions into Unix time
func Unix(seconds, fractions uint32) time.Time {
	secs := int64(seconds) - secondsToUnix
	if seconds < eraPivot {
		secs += 1 << 32
	}
	nanos := (int64(fractions) * time.Second.Nanoseconds()) >> 32 // convert fractional to nanos
	return time.Unix(secs, nanos)
}

// Timestamp is a 64-bit NTP timestamp: 32 bits of seconds and 32 bits of fraction
type Timestamp uint64

// NewTimestamp converts Unix time to NTP timestamp
func NewTimestamp(t time.Time) Timestamp {
	sec, frac := Time(t)
	return Timestamp(uint64(sec)<<32 | uint64(frac))
}

// Sec returns seconds part of timestamp
func (ts Timestamp) Sec() uint32 {
	return uint32(ts >> 32)
}

// Frac returns fractional part of timestamp
func (ts Timestamp) Frac() uint32 {
	return uint32(ts)
}

// Time converts NTP timestamp to Unix time
func (ts Timestamp) Time() time.Time {
	return Unix(ts.Sec(), ts.Frac())
}

// IsZero reports whether the timestamp is unset
func (ts Timestamp) IsZero() bool {
	return ts == 0
}

// Short is the NTP short format: 16 bits of seconds and 16 bits of fraction
type Short uint32

// maxShort is the largest value representable in Short, in seconds
const maxShort = float64(math.MaxUint32) / 65536.0

// NewShort converts seconds to NTP short format, clamping to the representable range
func NewShort(seconds float64) Short {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}
	if seconds >= maxShort {
		return Short(math.MaxUint32)
	}
	return Short(math.Round(seconds * 65536.0))
}

// Seconds converts NTP short format to seconds
func (s Short) Seconds() float64 {
	return float64(s) / 65536.0
}

// Log2ToSeconds converts a poll or precision exponent to seconds
func Log2ToSeconds(exp int) float64 {
	return math.Ldexp(1.0, exp)
}

// SecondsToDuration converts floating point seconds to time.Duration
func SecondsToDuration(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * float64(time.Second)))
}
