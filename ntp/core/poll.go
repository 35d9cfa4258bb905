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

	"github.com/facebook/ntpd/ntp/protocol"
)

// pollAdjustment scores a sample. Errors larger than the distance shorten
// the polling interval, otherwise the register is allowed to fill up to
// the poll target before the interval grows.
func (e *Engine) pollAdjustment(errorInOffset, distance float64) float64 {
	if errorInOffset > distance {
		return -math.Log2(errorInOffset / distance)
	}
	samples := float64(e.stats.Samples())
	target := float64(e.cfg.PollTarget)
	adj := (samples/target - 1.0) / target
	if samples < target {
		adj *= 2.0
	}
	return adj
}

func (e *Engine) adjustPoll(adj float64) {
	e.pollScore += adj
	if e.pollScore >= 1.0 {
		e.localPoll += int(e.pollScore)
		e.pollScore -= float64(int(e.pollScore))
	}
	if e.pollScore < 0.0 {
		steps := int(e.pollScore - 1.0)
		e.localPoll += steps
		e.pollScore -= float64(steps)
	}

	if e.localPoll < e.minPoll {
		e.localPoll = e.minPoll
		e.pollScore = 0.0
	} else if e.localPoll > e.maxPoll {
		e.localPoll = e.maxPoll
		e.pollScore = 1.0
	}

	// sub-second polling only makes sense with a responding source
	if e.localPoll < 0 && e.reach == 0 {
		e.localPoll = 0
	}
}

// transmitDelay returns seconds to the next request. onTx is set when
// called right after a transmission, lastTx is seconds since the last one.
func (e *Engine) transmitDelay(onTx bool, lastTx float64) float64 {
	switch e.opMode {
	case Online:
		if e.cfg.Mode == protocol.ModeClient {
			if e.presendDone > 0 {
				return warmUpDelay
			}
			return protocol.Log2ToSeconds(e.localPoll)
		}
		return e.peerTransmitDelay(onTx, lastTx)
	case BurstWasOnline, BurstWasOffline:
		if onTx {
			return burstTimeout
		}
		return burstInterval
	default:
		return 0
	}
}

// peerTransmitDelay keeps the two peers from polling in lockstep. The peer
// with higher stratum polls slightly slower.
func (e *Engine) peerTransmitDelay(onTx bool, lastTx float64) float64 {
	poll := e.localPoll
	if e.remotePoll < poll {
		poll = e.remotePoll
	}
	if poll < e.minPoll {
		poll = e.minPoll
	}
	delay := protocol.Log2ToSeconds(poll)

	stratumDiff := e.remoteStratum - int(e.deps.Reference.Params(e.deps.Scheduler.LastEventTime()).Stratum)
	if (stratumDiff > 0 && lastTx*peerSamplingAdj < delay) ||
		(!onTx && stratumDiff == 0 && lastTx/delay > 0.6) {
		delay *= peerSamplingAdj
	}
	delay -= lastTx
	if delay < 0 {
		delay = 0
	}
	return delay
}
