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
	"errors"
	"net/netip"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpd/ntp/consensus"
	"github.com/facebook/ntpd/ntp/sched"
	"github.com/facebook/ntpd/ntp/sourcestats"
)

// Acquisition defaults
const (
	DefaultAcquisitionSamples = 4
	DefaultAcquisitionTimeout = 30 * time.Second
)

var errNoAcquisitionSamples = errors.New("no samples acquired")

// AcquisitionConfig configures the initial rapid acquisition
type AcquisitionConfig struct {
	// Threshold is the offset in seconds at or above which the clock is stepped
	Threshold float64
	// Sources are names of sources taking part, as configured
	Sources []string
	// Samples is how many samples are collected from each source
	Samples int
	Timeout time.Duration
}

type acquired struct {
	name         string
	measurements []consensus.Measurement
}

// Session is one run of the initial rapid acquisition. It collects samples
// from the participating sources and corrects the clock once by the
// consensus offset. It lives from Start until done or cancelled.
type Session struct {
	cfg     AcquisitionConfig
	loop    Loop
	sources map[netip.AddrPort]*acquired
	// names still waiting for an address
	unresolved map[string]bool
	timeout    sched.TimeoutID
	finished   bool
	onDone     func(res *consensus.Result, err error)
}

func newSession(cfg AcquisitionConfig, loop Loop, onDone func(*consensus.Result, error)) *Session {
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultAcquisitionSamples
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAcquisitionTimeout
	}
	a := &Session{
		cfg:        cfg,
		loop:       loop,
		sources:    map[netip.AddrPort]*acquired{},
		unresolved: map[string]bool{},
		onDone:     onDone,
	}
	for _, name := range cfg.Sources {
		a.unresolved[name] = true
	}
	return a
}

func (a *Session) start() {
	log.Infof("Starting initial acquisition from %d sources", len(a.cfg.Sources))
	a.timeout = a.loop.AddTimeout(a.cfg.Timeout, sched.ClassNone, func() {
		log.Warningf("Initial acquisition timed out")
		a.finish()
	})
	a.checkDone()
}

// participates reports whether a source with the configured name takes part
func (a *Session) participates(name string) bool {
	return a.unresolved[name]
}

// addSource registers the address a participating name resolved to
func (a *Session) addSource(name string, addr netip.AddrPort) {
	delete(a.unresolved, name)
	a.sources[addr] = &acquired{name: addr.String()}
}

// dropSource gives up on a participating name
func (a *Session) dropSource(name string) {
	delete(a.unresolved, name)
	a.checkDone()
}

// addSample feeds a sample of the source into the session
func (a *Session) addSample(addr netip.AddrPort, s sourcestats.Sample) {
	src, ok := a.sources[addr]
	if !ok || len(src.measurements) >= a.cfg.Samples {
		return
	}
	src.measurements = append(src.measurements, consensus.Measurement{
		Offset:       s.Offset,
		RootDistance: 0.5*s.RootDelay + s.RootDispersion,
	})
	a.checkDone()
}

func (a *Session) checkDone() {
	if a.finished || len(a.unresolved) > 0 {
		return
	}
	for _, src := range a.sources {
		if len(src.measurements) < a.cfg.Samples {
			return
		}
	}
	a.finish()
}

// cancel ends the session without touching the clock
func (a *Session) cancel() {
	if a.finished {
		return
	}
	a.finished = true
	a.loop.RemoveTimeout(a.timeout)
}

func (a *Session) finish() {
	if a.finished {
		return
	}
	a.finished = true
	a.loop.RemoveTimeout(a.timeout)

	sources := make([]consensus.Source, 0, len(a.sources))
	for _, src := range a.sources {
		if len(src.measurements) == 0 {
			continue
		}
		sources = append(sources, consensus.Source{Name: src.name, Measurements: src.measurements})
	}
	if len(sources) == 0 {
		a.onDone(nil, errNoAcquisitionSamples)
		return
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	res, err := consensus.Estimate(sources)
	a.onDone(res, err)
}
