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

package sources

import (
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpd/ntp/core"
	"github.com/facebook/ntpd/ntp/protocol"
	"github.com/facebook/ntpd/ntp/sourcestats"
)

// Reference is the synchronisation state of the local clock as advertised
// to sources. It is only used from the event loop.
type Reference struct {
	clock       core.Clock
	mode        core.RefMode
	freeRunning bool

	synced     bool
	syncSource netip.AddrPort
	params     core.RefParams
	skew       float64
}

// NewReference returns an unsynchronised Reference
func NewReference(clock core.Clock, freeRunning bool) *Reference {
	r := &Reference{clock: clock, freeRunning: freeRunning}
	if freeRunning {
		r.mode = core.RefModeFreeRunning
	}
	return r
}

// Params returns the reference parameters as of now. Root dispersion grows
// with time elapsed since the last update.
func (r *Reference) Params(now time.Time) core.RefParams {
	if !r.synced {
		return core.RefParams{
			Leap:    protocol.LeapUnsynchronised,
			Stratum: protocol.InvalidStratum,
		}
	}
	p := r.params
	if elapsed := now.Sub(p.RefTime).Seconds(); elapsed > 0 {
		p.RootDispersion += elapsed * (r.skew + r.clock.MaxClockError())
	}
	return p
}

// Mode returns the mode of the reference
func (r *Reference) Mode() core.RefMode {
	return r.mode
}

// setMode switches the mode unless the reference is free running
func (r *Reference) setMode(m core.RefMode) {
	if r.freeRunning {
		return
	}
	r.mode = m
}

// IsSyncSource reports whether the local clock is synchronised to addr
func (r *Reference) IsSyncSource(addr netip.AddrPort) bool {
	return r.synced && r.syncSource == addr
}

// Synced reports whether the reference has a sync source
func (r *Reference) Synced() bool {
	return r.synced
}

// SyncSource returns the current sync source
func (r *Reference) SyncSource() (netip.AddrPort, bool) {
	return r.syncSource, r.synced
}

// update makes addr the sync source as measured by s
func (r *Reference) update(now time.Time, addr netip.AddrPort, s sourcestats.Sample, est sourcestats.Estimate) {
	if !r.synced || r.syncSource != addr {
		log.Infof("Selected source %s", addr)
	}
	r.synced = true
	r.syncSource = addr
	r.skew = est.Skew
	r.params = core.RefParams{
		Leap:           protocol.LeapNormal,
		Stratum:        uint8(min(s.Stratum+1, protocol.MaxStratum)),
		RefID:          protocol.RefID(addr.Addr()),
		RefTime:        now,
		RootDelay:      s.RootDelay,
		RootDispersion: s.RootDispersion + est.OffsetSD,
	}
}

// unselect drops the sync source
func (r *Reference) unselect(reason string) {
	if !r.synced {
		return
	}
	log.Warningf("Lost sync source %s: %s", r.syncSource, reason)
	r.synced = false
	r.syncSource = netip.AddrPort{}
}
