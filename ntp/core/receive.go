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
	"math"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpd/ntp/protocol"
	"github.com/facebook/ntpd/ntp/sourcestats"
)

// ProcessPacket handles a packet received from the source on the local
// address at rx. It returns true if the packet was a valid reply.
func (e *Engine) ProcessPacket(raw []byte, local netip.Addr, rx LocalTimestamp) bool {
	e.report.TotalRx++
	e.counter("ntp.rx")

	pkt, info, err := protocol.ParsePacket(raw)
	if err != nil {
		log.Debugf("%s: dropping malformed packet: %v", e.name, err)
		e.counter("ntp.rx.malformed")
		e.logDropped(raw)
		return false
	}
	if !e.expectedMode(pkt.Mode()) {
		log.Debugf("%s: dropping packet with unexpected mode %s", e.name, pkt.Mode())
		e.counter("ntp.rx.unexpected_mode")
		e.logDropped(pkt)
		return false
	}
	return e.processReply(raw, pkt, info, local, rx)
}

func (e *Engine) expectedMode(m protocol.Mode) bool {
	if e.cfg.Mode == protocol.ModeClient {
		return m == protocol.ModeServer
	}
	return m == protocol.ModeActive || m == protocol.ModePassive
}

// packetTests are the header checks of a reply
type packetTests struct {
	duplicate   bool // 1, transmit timestamp differs from the last one
	bogus       bool // 2, origin echoes our last transmit or receive
	timestamps  bool // 3, no zero timestamps
	auth        bool // 4
	serverSync  bool // 5
	distance    bool // 6
	interleaved bool // reply to an interleaved request
}

func (t packetTests) valid() bool {
	return t.duplicate && t.bogus && t.timestamps && t.auth
}

func (t packetTests) synced() bool {
	return t.valid() && t.serverSync && t.distance
}

func (e *Engine) checkPacket(raw []byte, pkt *protocol.Packet, info *protocol.Info) packetTests {
	var t packetTests
	t.duplicate = pkt.TransmitTS != e.remoteNTPTx

	basic := pkt.OriginTS == e.localNTPTx
	interleaved := e.cfg.Interleaved && e.xleave.canRequest() &&
		!e.localNTPRx.IsZero() && pkt.OriginTS == e.localNTPRx
	// only the first reply to a request is accepted
	t.bogus = !e.validRx && (basic || interleaved)
	t.interleaved = !basic && interleaved

	t.timestamps = !pkt.OriginTS.IsZero() && !pkt.ReceiveTS.IsZero() && !pkt.TransmitTS.IsZero()
	t.auth = e.checkResponseAuth(raw, info)
	t.serverSync = pkt.Leap() != protocol.LeapUnsynchronised &&
		pkt.Stratum != protocol.InvalidStratum && pkt.Stratum < protocol.MaxStratum
	t.distance = pkt.RootDelay.Seconds()/2+pkt.RootDispersion.Seconds() < MaxDispersion
	return t
}

func isKoDRate(t packetTests, pkt *protocol.Packet) bool {
	return t.duplicate && t.bogus && t.auth &&
		pkt.Leap() == protocol.LeapUnsynchronised &&
		pkt.Stratum == protocol.InvalidStratum &&
		pkt.ReferenceID == protocol.KoDRate
}

// exchange holds the four timestamps a sample is computed from
type exchange struct {
	localTx         LocalTimestamp
	remoteRx        time.Time
	remoteRequestRx time.Time
	remoteTx        time.Time
	localRx         LocalTimestamp
}

// pickExchange selects timestamps of a reply. An interleaved reply carries
// the transmit timestamp of the previous reply, which is combined with the
// previous request, or with the current one if the previous reply came
// late relative to the request interval.
func (e *Engine) pickExchange(pkt *protocol.Packet, interleaved bool, rx LocalTimestamp) exchange {
	if !interleaved {
		return exchange{
			localTx:         e.localTx,
			remoteRx:        pkt.ReceiveTS.Time(),
			remoteRequestRx: pkt.ReceiveTS.Time(),
			remoteTx:        pkt.TransmitTS.Time(),
			localRx:         rx,
		}
	}
	x := exchange{
		remoteTx: pkt.TransmitTS.Time(),
		localRx:  e.localRx,
	}
	if maxInterleavedL2LRatio*e.localTx.Time.Sub(e.localRx.Time).Seconds() >
		e.localRx.Time.Sub(e.prevLocalTx.Time).Seconds() {
		x.remoteRx = e.remoteNTPRx.Time()
		x.remoteRequestRx = x.remoteRx
		x.localTx = e.prevLocalTx
	} else {
		x.remoteRx = pkt.ReceiveTS.Time()
		x.remoteRequestRx = e.remoteNTPRx.Time()
		x.localTx = e.localTx
	}
	return x
}

// newExchange reports whether the exchange is newer than the last sample.
// The first interleaved reply describes the exchange sampled in basic mode.
func (e *Engine) newExchange(x exchange) bool {
	last, ok := e.stats.LastSampleTime()
	if !ok {
		return true
	}
	mid := x.localTx.Time.Add(x.localRx.Time.Sub(x.localTx.Time) / 2)
	return mid.After(last)
}

func (e *Engine) processReply(raw []byte, pkt *protocol.Packet, info *protocol.Info, local netip.Addr, rx LocalTimestamp) bool {
	t := e.checkPacket(raw, pkt, info)
	valid := t.valid()
	synced := t.synced()
	kodRate := isKoDRate(t, pkt)

	if !valid && !kodRate {
		log.Debugf("%s: dropping invalid reply duplicate=%v bogus=%v timestamps=%v auth=%v",
			e.name, t.duplicate, t.bogus, t.timestamps, t.auth)
		e.counter("ntp.rx.invalid")
		e.logDropped(pkt)
		return false
	}
	e.logReceive(pkt, "valid=%v synced=%v interleaved=%v", valid, synced, t.interleaved)

	prevRemotePollInterval := protocol.Log2ToSeconds(min(e.remotePoll, e.prevLocalPoll))
	prevRemoteTx := e.remoteNTPTx.Time()

	if valid {
		e.report.TotalValidRx++
		e.remotePoll = int(pkt.Poll)
		if pkt.Stratum == protocol.InvalidStratum {
			e.remoteStratum = protocol.MaxStratum
		} else {
			e.remoteStratum = min(int(pkt.Stratum), protocol.MaxStratum)
		}
		e.txCount = 0
		e.updateReach(synced)
	}

	if synced && (!t.interleaved || e.xleave.canUse()) {
		x := e.pickExchange(pkt, t.interleaved, rx)
		if t.interleaved && !e.newExchange(x) {
			log.Debugf("%s: exchange already sampled", e.name)
		} else if !e.processSample(pkt, t.interleaved, x, local, prevRemotePollInterval, prevRemoteTx) {
			e.adjustPoll(0.1)
		}
	}

	if valid {
		e.remoteNTPRx = pkt.ReceiveTS
		e.remoteNTPTx = pkt.TransmitTS
		e.localRx = rx
		e.localNTPRx = protocol.NewTimestamp(rx.Time)
		e.validRx = true
		e.xleave = e.xleave.afterReply(synced)
		e.report.LastRx = rx.Time
	}

	if e.opMode == Offline {
		return valid
	}

	delay := e.transmitDelay(false, rx.Time.Sub(e.localTx.Time).Seconds())
	if kodRate {
		log.Warningf("%s: received KoD RATE, backing off", e.name)
		e.report.TotalKoD++
		e.counter("ntp.rx.kod")
		delay += kodBackoffIntervals * protocol.Log2ToSeconds(e.localPoll)
		if e.opMode.burst() {
			e.burstGoodToGo = 0
			e.endBurstIfDone()
			if e.opMode == Offline {
				return valid
			}
		}
	}
	e.restartTimeout(delay)
	return valid
}

// processSample computes a sample from the exchange, runs the sample tests
// and accumulates a good one. It returns whether the sample was good.
func (e *Engine) processSample(pkt *protocol.Packet, interleaved bool, x exchange, local netip.Addr, prevRemotePollInterval float64, prevRemoteTx time.Time) bool {
	remoteInterval := x.remoteTx.Sub(x.remoteRx).Seconds()
	localInterval := x.localRx.Time.Sub(x.localTx.Time).Seconds()
	remoteAvg := x.remoteRx.Add(protocol.SecondsToDuration(remoteInterval / 2))
	localAvg := x.localTx.Time.Add(protocol.SecondsToDuration(localInterval / 2))
	responseTime := math.Abs(x.remoteTx.Sub(x.remoteRequestRx).Seconds())

	precision := e.deps.Clock.Precision() + protocol.Log2ToSeconds(int(pkt.Precision))
	lo, hi := e.stats.FrequencyRange()
	skew := (hi - lo) / 2

	s := sourcestats.Sample{
		Time:      localAvg,
		Offset:    localAvg.Sub(remoteAvg).Seconds() + e.cfg.OffsetCorrection,
		PeerDelay: math.Max(math.Abs(localInterval-remoteInterval*(1.0+lo)), precision),
		PeerDispersion: precision + math.Max(x.localTx.Err, x.localRx.Err) +
			skew*math.Abs(localInterval),
		Stratum: max(int(pkt.Stratum), e.cfg.MinStratum),
	}
	s.RootDelay = pkt.RootDelay.Seconds() + s.PeerDelay
	s.RootDispersion = pkt.RootDispersion.Seconds() + s.PeerDispersion

	// A: delay limits and sanity of the server turnaround
	testA := s.PeerDelay-s.PeerDispersion <= e.cfg.MaxDelay && precision <= e.cfg.MaxDelay
	if e.cfg.Mode == protocol.ModeClient && responseTime > maxServerInterval {
		testA = false
	}
	if e.cfg.Mode == protocol.ModeActive && interleaved &&
		(s.PeerDelay > 0.5*prevRemotePollInterval ||
			pkt.ReceiveTS <= pkt.TransmitTS ||
			(e.remotePoll <= e.prevLocalPoll &&
				x.remoteTx.Sub(prevRemoteTx).Seconds() > 1.5*prevRemotePollInterval)) {
		testA = false
	}
	// replies to warm-up requests are not used
	if e.presendDone > 0 {
		testA = false
	}

	// B: delay relative to the minimum delay in the history
	testB := true
	if e.cfg.MaxDelayRatio >= 1.0 {
		lastSampleAgo, _, minDelay, regSkew, _, ok := e.stats.DelayTestData(s.Time)
		if ok && s.PeerDelay > minDelay*e.cfg.MaxDelayRatio+lastSampleAgo*(regSkew+e.deps.Clock.MaxClockError()) {
			testB = false
		}
	}

	// C: delay increase explained by the offset change
	testC := e.cfg.MaxDelayDevRatio <= 0 ||
		e.stats.IsGoodSample(s.Offset, s.PeerDelay, e.cfg.MaxDelayDevRatio, e.deps.Clock.MaxClockError(), s.Time)

	// D: the source is not synchronised to us
	testD := pkt.Stratum <= 1 || e.deps.Reference.Mode() != RefModeNormal ||
		!local.IsValid() || pkt.ReferenceID != protocol.RefID(local)

	e.report.LastOffset = s.Offset
	e.report.LastDelay = s.PeerDelay

	if !(testA && testB && testC && testD) {
		log.Debugf("%s: sample rejected A=%v B=%v C=%v D=%v offset=%e delay=%e",
			e.name, testA, testB, testC, testD, s.Offset, s.PeerDelay)
		e.counter("ntp.rx.rejected")
		return false
	}

	predicted := e.stats.PredictOffset(s.Time)
	e.stats.AccumulateSample(s)
	e.report.TotalGoodRx++
	e.counter("ntp.rx.accumulated")
	if e.deps.OnSample != nil {
		e.deps.OnSample(e, s)
	}

	e.adjustPoll(e.pollAdjustment(math.Abs(s.Offset-predicted), s.PeerDelay/2+s.PeerDispersion))

	if e.opMode.burst() {
		e.burstGoodToGo--
		e.endBurstIfDone()
	}
	return true
}
