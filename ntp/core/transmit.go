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

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpd/ntp/protocol"
)

// transmitTimeout fires when the next request is due
func (e *Engine) transmitTimeout() {
	e.timerActive = false

	switch e.opMode {
	case Offline:
		return
	case BurstWasOnline:
		// switch to online before the last request of the burst
		if e.burstTotalToGo <= 1 {
			e.opMode = Online
		}
	case BurstWasOffline:
		if e.burstTotalToGo <= 0 {
			e.takeOffline()
			return
		}
	}

	// warm up the path with an extra exchange after long intervals
	if e.cfg.PresendMinPoll <= e.localPoll && e.presendDone == 0 && e.burstTotalToGo == 0 {
		if e.cfg.Interleaved {
			e.presendDone = 2
		} else {
			e.presendDone = 1
		}
	} else if e.presendDone > 0 {
		e.presendDone--
	}

	interleaved := e.cfg.Interleaved && e.xleave.canRequest()
	err := e.transmit(interleaved)
	sent := err == nil
	if err != nil {
		log.Warningf("%s: failed to send request: %v", e.name, err)
		e.counter("ntp.tx.error")
	}
	e.txCount++

	// missed replies back off polling, slowly for the current sync source
	if e.txCount >= 2 {
		if sent {
			if e.deps.Reference.IsSyncSource(e.remote) {
				e.adjustPoll(0.1)
			} else {
				e.adjustPoll(0.25)
			}
		}
		e.updateReach(false)
	}

	switch e.opMode {
	case BurstWasOnline:
		// unreachable source keeps the burst until a request goes out
		if sent || e.Reachable() {
			e.burstTotalToGo--
		}
	case BurstWasOffline:
		e.burstTotalToGo--
	case Offline:
		return
	}

	e.restartTimeout(e.transmitDelay(true, 0))
}

// transmit builds, authenticates and sends a request
func (e *Engine) transmit(interleaved bool) error {
	now := e.deps.Scheduler.LastEventTime()
	ref := e.deps.Reference.Params(now)

	p := &protocol.Packet{
		Settings:  protocol.Settings(ref.Leap, e.cfg.Version, e.cfg.Mode),
		Stratum:   ref.Stratum,
		Poll:      int8(e.localPoll),
		Precision: e.deps.Clock.PrecisionLog2(),
	}
	// a client does not need to reveal its reference
	if e.cfg.Mode != protocol.ModeClient {
		p.RootDelay = protocol.NewShort(ref.RootDelay)
		p.RootDispersion = protocol.NewShort(ref.RootDispersion)
		p.ReferenceID = ref.RefID
		if !ref.RefTime.IsZero() {
			p.ReferenceTS = protocol.NewTimestamp(ref.RefTime)
		}
	}
	p.OriginTS, p.ReceiveTS = echoTimestamps(e.cfg.Mode, interleaved, e.remoteNTPRx, e.remoteNTPTx, e.localNTPRx)

	txTime, txErr := e.deps.Clock.ReadCookedTime()
	txTime = txTime.Add(protocol.SecondsToDuration(e.authDelay()))
	p.TransmitTS = protocol.NewTimestamp(txTime)

	b, err := p.Bytes()
	if err != nil {
		return fmt.Errorf("serializing request: %w", err)
	}
	if b, err = e.authenticateRequest(b); err != nil {
		return err
	}
	if err := e.deps.Transport.Send(b, e.remote, e.local); err != nil {
		return err
	}

	if interleaved {
		e.prevLocalTx = e.localTx
	}
	e.localTx = LocalTimestamp{Time: txTime, Err: txErr}
	e.localNTPTx = p.TransmitTS
	e.validRx = false
	e.prevLocalPoll = e.localPoll

	e.report.TotalTx++
	e.counter("ntp.tx")
	e.logSent(p, "interleaved=%v poll=%d", interleaved, e.localPoll)
	return nil
}
