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
	"github.com/facebook/ntpd/ntp/protocol"
)

// interleaveState tracks which timestamps of earlier exchanges can be reused
type interleaveState int

const (
	// no reply stored, only basic requests can be sent
	noPriorExchange interleaveState = iota
	// timestamps of a reply are stored but not trusted for a sample
	basicReady
	// timestamps of a synchronised reply are stored
	interleaveReady
)

var interleaveStateToString = map[interleaveState]string{
	noPriorExchange: "NO_PRIOR_EXCHANGE",
	basicReady:      "BASIC_READY",
	interleaveReady: "INTERLEAVE_READY",
}

func (s interleaveState) String() string {
	return interleaveStateToString[s]
}

// afterReply returns the state once timestamps of a valid reply are stored
func (s interleaveState) afterReply(synced bool) interleaveState {
	if synced {
		return interleaveReady
	}
	return basicReady
}

// canRequest reports whether a request may ask for the interleaved mode
func (s interleaveState) canRequest() bool {
	return s != noPriorExchange
}

// canUse reports whether an interleaved reply can produce a sample
func (s interleaveState) canUse() bool {
	return s == interleaveReady
}

// echoTimestamps selects originate and receive timestamps of a request.
// Client requests in basic mode reveal nothing. Interleaved requests echo the
// remote receive timestamp so the server sends the transmit timestamp of its
// previous reply.
func echoTimestamps(mode protocol.Mode, interleaved bool, remoteRx, remoteTx, localRx protocol.Timestamp) (origin, receive protocol.Timestamp) {
	switch {
	case interleaved:
		return remoteRx, localRx
	case mode == protocol.ModeClient:
		return 0, 0
	default:
		return remoteTx, localRx
	}
}
