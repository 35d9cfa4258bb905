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

package core

import (
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpd/ntp/protocol"
	"github.com/facebook/ntpd/ntp/sched"
	"github.com/facebook/ntpd/ntp/sourcestats"
)

// Protocol constants, in seconds unless stated otherwise
const (
	// MaxDispersion is the root distance ceiling of usable replies
	MaxDispersion = 16.0
	// IBurstGoodSamples is the number of good samples an initial burst collects
	IBurstGoodSamples = 4
	// IBurstTotalSamples caps the number of requests of an initial burst
	IBurstTotalSamples = 8

	burstTimeout           = 2.0
	burstInterval          = 2.0
	warmUpDelay            = 2.0
	initialDelay           = 0.2
	maxServerInterval      = 4.0
	peerSamplingAdj        = 1.1
	maxInterleavedL2LRatio = 0.1
	// polling intervals a KoD RATE adds to the next request
	kodBackoffIntervals = 4
)

// OpMode is the operating mode of an engine
type OpMode int

// Operating modes
const (
	Offline OpMode = iota
	Online
	BurstWasOffline
	BurstWasOnline
)

var opModeToString = map[OpMode]string{
	Offline:         "OFFLINE",
	Online:          "ONLINE",
	BurstWasOffline: "BURST_WAS_OFFLINE",
	BurstWasOnline:  "BURST_WAS_ONLINE",
}

func (m OpMode) String() string {
	return opModeToString[m]
}

func (m OpMode) burst() bool {
	return m == BurstWasOffline || m == BurstWasOnline
}

// Engine is the protocol state machine of one source
type Engine struct {
	name   string
	remote netip.AddrPort
	local  netip.Addr
	cfg    SourceConfig
	deps   Deps
	auth   AuthMode
	stats  *sourcestats.Register

	opMode      OpMode
	timeout     sched.TimeoutID
	timerActive bool

	minPoll       int
	maxPoll       int
	localPoll     int
	prevLocalPoll int
	remotePoll    int
	remoteStratum int
	pollScore     float64

	txCount     int // requests without valid reply
	presendDone int
	reach       uint8

	burstGoodToGo  int
	burstTotalToGo int

	remoteNTPRx protocol.Timestamp
	remoteNTPTx protocol.Timestamp
	localNTPRx  protocol.Timestamp
	localNTPTx  protocol.Timestamp
	localRx     LocalTimestamp
	localTx     LocalTimestamp
	prevLocalTx LocalTimestamp
	validRx     bool
	xleave      interleaveState

	report Report
}

// NewEngine creates an engine for a source. It stays offline until TakeOnline
// unless configured otherwise.
func NewEngine(remote netip.AddrPort, cfg SourceConfig, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid source config for %s: %w", remote, err)
	}
	if deps.Clock == nil || deps.Scheduler == nil || deps.Transport == nil || deps.Reference == nil {
		return nil, fmt.Errorf("source %s: clock, scheduler, transport and reference are required", remote)
	}
	if _, ok := cfg.Auth.(AuthSymmetric); ok && deps.Keys == nil {
		return nil, fmt.Errorf("source %s uses a key but no key store is configured", remote)
	}
	e := &Engine{
		name:   remote.String(),
		remote: remote,
		cfg:    cfg,
		deps:   deps,
		auth:   cfg.Auth,
		opMode: Offline,
	}
	statsCfg := cfg.Stats
	if statsCfg.Precision <= 0 {
		statsCfg.Precision = deps.Clock.Precision()
	}
	e.stats = sourcestats.New(e.name, statsCfg)
	e.resetState()
	e.report.Remote = e.name
	e.report.Mode = cfg.Mode.String()
	return e, nil
}

// resetState returns the protocol state to that of a new association
func (e *Engine) resetState() {
	e.minPoll = e.cfg.MinPoll
	e.maxPoll = e.cfg.MaxPoll
	e.localPoll = e.minPoll
	e.prevLocalPoll = e.localPoll
	e.remotePoll = 0
	e.remoteStratum = 0
	e.pollScore = 0
	e.txCount = 0
	e.presendDone = 0
	e.reach = 0
	e.burstGoodToGo = 0
	e.burstTotalToGo = 0
	e.remoteNTPRx = 0
	e.remoteNTPTx = 0
	e.localNTPRx = 0
	e.localNTPTx = 0
	e.localRx = LocalTimestamp{}
	e.localTx = LocalTimestamp{}
	e.prevLocalTx = LocalTimestamp{}
	e.validRx = false
	e.xleave = noPriorExchange
}

// Start brings up the engine as configured
func (e *Engine) Start() {
	if e.cfg.Offline {
		return
	}
	e.TakeOnline()
}

// Remote returns address of the source
func (e *Engine) Remote() netip.AddrPort {
	return e.remote
}

// SetLocal sets the local address requests are sent from
func (e *Engine) SetLocal(local netip.Addr) {
	e.local = local
}

// Mode returns association mode
func (e *Engine) Mode() protocol.Mode {
	return e.cfg.Mode
}

// OpMode returns operating mode
func (e *Engine) OpMode() OpMode {
	return e.opMode
}

// LocalPoll returns current polling interval exponent
func (e *Engine) LocalPoll() int {
	return e.localPoll
}

// Reach returns the reachability register
func (e *Engine) Reach() uint8 {
	return e.reach
}

// Reachable reports whether any of the last 8 requests got a valid reply
func (e *Engine) Reachable() bool {
	return e.reach != 0
}

// Stats returns the sample register of the source
func (e *Engine) Stats() *sourcestats.Register {
	return e.stats
}

func (e *Engine) updateReach(ok bool) {
	e.reach <<= 1
	if ok {
		e.reach |= 1
	}
}

func (e *Engine) timerClass() sched.Class {
	if e.cfg.Mode == protocol.ModeActive {
		return sched.ClassNTPPeer
	}
	return sched.ClassNTPClient
}

func (e *Engine) cancelTimeout() {
	if e.timerActive {
		e.deps.Scheduler.RemoveTimeout(e.timeout)
		e.timerActive = false
	}
}

func (e *Engine) restartTimeout(delay float64) {
	e.cancelTimeout()
	e.timeout = e.deps.Scheduler.AddTimeout(protocol.SecondsToDuration(delay), e.timerClass(), e.transmitTimeout)
	e.timerActive = true
}

// startInitialTimeout schedules the first request after a mode change,
// keeping at least the current polling interval since the last request
func (e *Engine) startInitialTimeout() {
	lastTx := 0.0
	if !e.localTx.IsZero() {
		lastTx = e.deps.Scheduler.LastEventTime().Sub(e.localTx.Time).Seconds()
		if lastTx < 0 {
			lastTx = 0
		}
	}
	delay := initialDelay
	if !e.localTx.IsZero() {
		delay = e.transmitDelay(false, 0) - lastTx
	}
	if delay < initialDelay {
		delay = initialDelay
	}
	e.restartTimeout(delay)
}

func (e *Engine) takeOffline() {
	e.opMode = Offline
	e.cancelTimeout()
	log.Infof("%s: source offline", e.name)
}

// TakeOnline starts polling the source
func (e *Engine) TakeOnline() {
	switch e.opMode {
	case Online, BurstWasOnline:
	case Offline:
		e.opMode = Online
		log.Infof("%s: source online", e.name)
		e.startInitialTimeout()
		if e.cfg.IBurst {
			e.StartBurst(IBurstGoodSamples, IBurstTotalSamples)
		}
	case BurstWasOffline:
		e.opMode = BurstWasOnline
	}
}

// TakeOffline stops polling the source
func (e *Engine) TakeOffline() {
	switch e.opMode {
	case Offline, BurstWasOffline:
	case Online:
		e.takeOffline()
	case BurstWasOnline:
		e.opMode = BurstWasOffline
	}
}

// StartBurst switches to rapid sampling until nGood good samples are
// collected or nTotal requests are sent. Only client associations burst.
func (e *Engine) StartBurst(nGood, nTotal int) {
	if e.cfg.Mode != protocol.ModeClient {
		return
	}
	switch e.opMode {
	case BurstWasOffline, BurstWasOnline:
		return
	case Online:
		e.opMode = BurstWasOnline
	case Offline:
		e.opMode = BurstWasOffline
	}
	e.burstGoodToGo = nGood
	e.burstTotalToGo = nTotal
	log.Debugf("%s: burst of %d good/%d total samples", e.name, nGood, nTotal)
	e.startInitialTimeout()
}

// endBurstIfDone reverts to the mode preceding a burst when enough good samples arrived
func (e *Engine) endBurstIfDone() {
	if !e.opMode.burst() || e.burstGoodToGo > 0 {
		return
	}
	if e.opMode == BurstWasOnline {
		e.opMode = Online
		return
	}
	e.takeOffline()
}

// Reset forgets the association state. Pending request is cancelled and the
// sample history is kept.
func (e *Engine) Reset() {
	mode := e.opMode
	e.cancelTimeout()
	e.resetAuth()
	e.resetState()
	e.opMode = Offline
	if mode != Offline {
		e.TakeOnline()
	}
}

// Destroy stops the engine for good
func (e *Engine) Destroy() {
	e.cancelTimeout()
	e.resetAuth()
	e.resetState()
	e.opMode = Offline
	e.stats.Reset()
}

// SlewTimes keeps local timestamps consistent after the local clock was
// corrected by doffset and slowed by dfreq at when
func (e *Engine) SlewTimes(when time.Time, dfreq, doffset float64) {
	for _, ts := range []*LocalTimestamp{&e.localRx, &e.localTx, &e.prevLocalTx} {
		if ts.IsZero() {
			continue
		}
		delta := when.Sub(ts.Time).Seconds()*dfreq - doffset
		ts.Time = ts.Time.Add(protocol.SecondsToDuration(delta))
	}
	e.stats.SlewSamples(when, dfreq, doffset)
}

func (e *Engine) counter(key string) {
	if e.deps.Stats != nil {
		e.deps.Stats.UpdateCounterBy(key, 1)
	}
}

// Report is the state of a source for monitoring
type Report struct {
	Remote        string             `json:"remote"`
	Mode          string             `json:"mode"`
	OpMode        string             `json:"op_mode"`
	Auth          string             `json:"auth"`
	Poll          int                `json:"poll"`
	RemotePoll    int                `json:"remote_poll"`
	Stratum       int                `json:"stratum"`
	Reach         uint8              `json:"reach"`
	Interleave    string             `json:"interleave"`
	LastOffset    float64            `json:"last_offset"`
	LastDelay     float64            `json:"last_delay"`
	LastRx        time.Time          `json:"last_rx"`
	TotalTx       int64              `json:"total_tx"`
	TotalRx       int64              `json:"total_rx"`
	TotalValidRx  int64              `json:"total_valid_rx"`
	TotalGoodRx   int64              `json:"total_good_rx"`
	TotalKoD      int64              `json:"total_kod"`
	Stats         sourcestats.Report `json:"stats"`
	Selectable    bool               `json:"selectable"`
	SelectionLo   float64            `json:"selection_lo"`
	SelectionHi   float64            `json:"selection_hi"`
	RootDistance  float64            `json:"root_distance"`
	LastSampleAgo float64            `json:"last_sample_ago"`
}

// Report returns state of the source as of now
func (e *Engine) Report(now time.Time) Report {
	r := e.report
	r.OpMode = e.opMode.String()
	r.Auth = e.auth.String()
	r.Poll = e.localPoll
	r.RemotePoll = e.remotePoll
	r.Stratum = e.remoteStratum
	r.Reach = e.reach
	r.Interleave = e.xleave.String()
	r.Stats = e.stats.Report()
	sd := e.stats.SelectionData(now)
	r.Selectable = sd.OK
	r.SelectionLo = sd.OffsetLo
	r.SelectionHi = sd.OffsetHi
	r.RootDistance = sd.RootDistance
	r.LastSampleAgo = sd.LastSampleAgo
	return r
}
