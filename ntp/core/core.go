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
Package core implements the per-source NTP protocol engine: when to send
requests, how to validate and interpret replies, interleaved mode, bursts and
adaptive polling. All methods must be called from the event loop goroutine.
*/
package core

import (
	"net/netip"
	"time"

	"github.com/facebook/ntpd/ntp/protocol"
	"github.com/facebook/ntpd/ntp/sched"
	"github.com/facebook/ntpd/ntp/sourcestats"
)

// LocalTimestamp is a reading of the local clock with its error bound
type LocalTimestamp struct {
	Time time.Time
	Err  float64
}

// IsZero reports whether the timestamp is unset
func (t LocalTimestamp) IsZero() bool {
	return t.Time.IsZero()
}

// Clock is the local clock. Positive offset means the local clock is fast.
type Clock interface {
	ReadCookedTime() (time.Time, float64)
	// CookTime converts a raw reading such as a kernel receive timestamp
	// to the timescale of ReadCookedTime
	CookTime(raw time.Time) (time.Time, float64)
	ApplyStep(offset float64) error
	AccumulateOffset(offset, errorEstimate float64) error
	AccumulateFrequency(ppm float64) error
	// Precision is the reading quantum in seconds
	Precision() float64
	// PrecisionLog2 is the precision as advertised in packets
	PrecisionLog2() int8
	// MaxClockError is the frequency error bound of the clock (fraction)
	MaxClockError() float64
}

// Scheduler runs timeouts on the event loop
type Scheduler interface {
	AddTimeout(delay time.Duration, class sched.Class, fn func()) sched.TimeoutID
	RemoveTimeout(id sched.TimeoutID)
	LastEventTime() time.Time
}

//go:generate mockgen -source=core.go -destination=mock_core.go -package=core -mock_names=Transport=MockTransport,StatsServer=MockStatsServer Transport,StatsServer

// Transport sends datagrams
type Transport interface {
	Send(b []byte, remote netip.AddrPort, local netip.Addr) error
}

// KeyStore computes and verifies symmetric MACs
type KeyStore interface {
	Generate(keyID uint32, data []byte) ([]byte, error)
	Check(keyID uint32, data, mac []byte) bool
	// Delay is the time generating a MAC with the key takes, in seconds
	Delay(keyID uint32) float64
}

// RefMode is the mode the local reference operates in
type RefMode int

// Reference modes
const (
	RefModeNormal RefMode = iota
	RefModeInitStepSlew
	RefModeFreeRunning
)

// RefParams describe the synchronisation state of the local clock
type RefParams struct {
	Leap           protocol.Leap
	Stratum        uint8
	RefID          uint32
	RefTime        time.Time
	RootDelay      float64
	RootDispersion float64
}

// Reference is the local synchronisation state
type Reference interface {
	Params(now time.Time) RefParams
	Mode() RefMode
	IsSyncSource(addr netip.AddrPort) bool
}

// StatsServer is a counter sink
type StatsServer interface {
	UpdateCounterBy(key string, count int64)
}

// SampleHandler is notified about every accumulated sample
type SampleHandler func(e *Engine, s sourcestats.Sample)

// Deps are the collaborators of an engine
type Deps struct {
	Clock     Clock
	Scheduler Scheduler
	Transport Transport
	Keys      KeyStore
	Reference Reference
	Stats     StatsServer
	OnSample  SampleHandler
}
