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
Package sources owns the source engines of the daemon. It routes received
packets to them, resolves source names, runs the initial acquisition and
tracks the best source to steer the local clock.
*/
package sources

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpd/ntp/consensus"
	"github.com/facebook/ntpd/ntp/core"
	"github.com/facebook/ntpd/ntp/protocol"
	"github.com/facebook/ntpd/ntp/sched"
	"github.com/facebook/ntpd/ntp/sourcestats"
)

// DefaultReportInterval is how often source reports are published
const DefaultReportInterval = 10 * time.Second

var errUnknownSource = errors.New("unknown source")

// Loop is the event loop the set runs on
type Loop interface {
	core.Scheduler
	Post(fn func())
}

// Resolver resolves source names
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Monitor receives counters and reports
type Monitor interface {
	core.StatsServer
	ObserveDelay(source string, delay float64)
	SetSourceReports(reports []core.Report)
	ForgetSource(source string)
}

// HistoryStore persists sample histories of sources
type HistoryStore interface {
	Save(name string, samples []sourcestats.Sample, now time.Time) error
	Load(name string, now time.Time) ([]sourcestats.Sample, error)
}

// SourceSpec is a configured source
type SourceSpec struct {
	// Name is an IP address or a host name
	Name   string
	Port   int
	Config core.SourceConfig
}

// Config of the SourceSet
type Config struct {
	Sources        []SourceSpec
	Acquisition    AcquisitionConfig
	FreeRunning    bool
	ReportInterval time.Duration
	ResolveRetry   ResolveRetry
}

// Deps are the collaborators of the SourceSet
type Deps struct {
	Clock     core.Clock
	Loop      Loop
	Transport core.Transport
	Keys      core.KeyStore
	Resolver  Resolver
	Monitor   Monitor
	History   HistoryStore
}

// SourceSet owns all source engines. Except for Handler all methods must be
// called from the event loop.
type SourceSet struct {
	cfg     Config
	deps    Deps
	ref     *Reference
	engines map[netip.AddrPort]*core.Engine
	names   map[netip.AddrPort]string
	session *Session
	ctx     context.Context
	report  sched.TimeoutID
}

// New creates an empty SourceSet
func New(cfg Config, deps Deps) (*SourceSet, error) {
	if deps.Clock == nil || deps.Loop == nil || deps.Transport == nil {
		return nil, fmt.Errorf("clock, loop and transport are required")
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	cfg.ResolveRetry = cfg.ResolveRetry.withDefaults()
	return &SourceSet{
		cfg:     cfg,
		deps:    deps,
		ref:     NewReference(deps.Clock, cfg.FreeRunning),
		engines: map[netip.AddrPort]*core.Engine{},
		names:   map[netip.AddrPort]string{},
		ctx:     context.Background(),
	}, nil
}

// Reference returns the local reference state
func (s *SourceSet) Reference() *Reference {
	return s.ref
}

// Start adds configured sources and begins the initial acquisition.
// ctx bounds the name resolution goroutines.
func (s *SourceSet) Start(ctx context.Context) {
	s.ctx = ctx
	if len(s.cfg.Acquisition.Sources) > 0 && !s.cfg.FreeRunning {
		s.session = newSession(s.cfg.Acquisition, s.deps.Loop, s.acquisitionDone)
		s.ref.setMode(core.RefModeInitStepSlew)
	}
	for _, spec := range s.cfg.Sources {
		s.addSpec(spec)
	}
	if s.session != nil {
		s.session.start()
	}
	s.scheduleReport()
}

// addSpec adds a source directly or through name resolution
func (s *SourceSet) addSpec(spec SourceSpec) {
	addr, err := netip.ParseAddr(spec.Name)
	if err != nil {
		s.resolve(&pendingSource{spec: spec, retry: s.cfg.ResolveRetry.Min})
		return
	}
	s.addResolved(spec, netip.AddrPortFrom(addr.Unmap(), uint16(spec.Port)))
}

// addResolved adds a source whose address is known. A source taking part
// in acquisition starts with a burst of the session's sample count, which
// replaces its initial burst.
func (s *SourceSet) addResolved(spec SourceSpec, addr netip.AddrPort) {
	acquiring := s.session != nil && s.session.participates(spec.Name)
	burst := 0
	if acquiring {
		burst = s.session.cfg.Samples
	}
	if _, err := s.addSource(addr, spec.Config, burst); err != nil {
		log.Errorf("Failed to add source %s: %v", spec.Name, err)
		if acquiring {
			s.session.dropSource(spec.Name)
		}
		return
	}
	s.names[addr] = spec.Name
	if acquiring {
		s.session.addSource(spec.Name, addr)
	}
}

// AddSource creates an engine for the address, restores its history and starts it
func (s *SourceSet) AddSource(addr netip.AddrPort, cfg core.SourceConfig) (*core.Engine, error) {
	return s.addSource(addr, cfg, 0)
}

func (s *SourceSet) addSource(addr netip.AddrPort, cfg core.SourceConfig, burst int) (*core.Engine, error) {
	if _, ok := s.engines[addr]; ok {
		return nil, fmt.Errorf("source %s already exists", addr)
	}
	e, err := core.NewEngine(addr, cfg, core.Deps{
		Clock:     s.deps.Clock,
		Scheduler: s.deps.Loop,
		Transport: s.deps.Transport,
		Keys:      s.deps.Keys,
		Reference: s.ref,
		Stats:     s.deps.Monitor,
		OnSample:  s.onSample,
	})
	if err != nil {
		return nil, err
	}
	s.restore(e)
	s.engines[addr] = e
	s.counter("sources.added")
	log.Infof("Added source %s (%s)", addr, cfg.Mode)
	if burst > 0 {
		e.StartBurst(burst, 2*burst)
	}
	e.Start()
	return e, nil
}

// RemoveSource stops and forgets the source
func (s *SourceSet) RemoveSource(addr netip.AddrPort) error {
	e, ok := s.engines[addr]
	if !ok {
		return fmt.Errorf("%w %s", errUnknownSource, addr)
	}
	s.save(e)
	e.Destroy()
	delete(s.engines, addr)
	delete(s.names, addr)
	if s.ref.IsSyncSource(addr) {
		s.ref.unselect("source removed")
	}
	if s.deps.Monitor != nil {
		s.deps.Monitor.ForgetSource(addr.String())
	}
	s.counter("sources.removed")
	log.Infof("Removed source %s", addr)
	return nil
}

// Source returns the engine of the address
func (s *SourceSet) Source(addr netip.AddrPort) (*core.Engine, bool) {
	e, ok := s.engines[addr]
	return e, ok
}

// Len returns number of sources with an engine
func (s *SourceSet) Len() int {
	return len(s.engines)
}

// Handler returns a packet handler safe to call from any goroutine. It hands
// the packet over to the event loop, so b must not be reused by the caller.
func (s *SourceSet) Handler() func(b []byte, remote netip.AddrPort, local netip.Addr, rx time.Time) {
	return func(b []byte, remote netip.AddrPort, local netip.Addr, rx time.Time) {
		s.deps.Loop.Post(func() {
			s.HandlePacket(b, remote, local, rx)
		})
	}
}

// HandlePacket routes a received packet to the engine of the sender
func (s *SourceSet) HandlePacket(b []byte, remote netip.AddrPort, local netip.Addr, rx time.Time) {
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	e, ok := s.engines[remote]
	if !ok {
		log.Debugf("dropping packet from unknown source %s", remote)
		s.counter("ntp.rx.unknown_source")
		return
	}
	var ts core.LocalTimestamp
	if rx.IsZero() {
		ts.Time, ts.Err = s.deps.Clock.ReadCookedTime()
	} else {
		ts.Time, ts.Err = s.deps.Clock.CookTime(rx)
	}
	e.ProcessPacket(b, local.Unmap(), ts)
}

// onSample is called by engines for every accumulated sample
func (s *SourceSet) onSample(e *core.Engine, smp sourcestats.Sample) {
	if s.deps.Monitor != nil {
		s.deps.Monitor.ObserveDelay(e.Remote().String(), smp.PeerDelay)
	}
	if s.session != nil {
		s.session.addSample(e.Remote(), smp)
		return
	}
	s.selectSource(e, smp)
}

// acquisitionDone applies the consensus of the initial acquisition
func (s *SourceSet) acquisitionDone(res *consensus.Result, err error) {
	s.session = nil
	s.ref.setMode(core.RefModeNormal)
	if err != nil {
		log.Warningf("Initial acquisition failed: %v", err)
		s.counter("acquisition.failed")
		return
	}
	action, err := consensus.Apply(s.deps.Clock, res, s.cfg.Acquisition.Threshold)
	if err != nil {
		log.Errorf("Initial acquisition: %v", err)
		s.counter("acquisition.failed")
		return
	}
	s.counter("acquisition." + action.String())
	s.SlewAll(s.deps.Loop.LastEventTime(), 0, res.Offset)
}

// selectSource picks the reachable source with the smallest root distance and
// steers the clock by its estimate when the sample came from it
func (s *SourceSet) selectSource(from *core.Engine, smp sourcestats.Sample) {
	now := s.deps.Loop.LastEventTime()
	var best *core.Engine
	bestDistance := math.Inf(1)
	for _, e := range s.engines {
		if !e.Reachable() {
			continue
		}
		sd := e.Stats().SelectionData(now)
		if !sd.OK || sd.Stratum >= protocol.MaxStratum {
			continue
		}
		if sd.RootDistance < bestDistance {
			best, bestDistance = e, sd.RootDistance
		}
	}
	if best == nil {
		s.ref.unselect("no selectable source")
		return
	}
	if best != from {
		return
	}

	est := from.Stats().Estimate()
	offset := from.Stats().PredictOffset(now)
	s.ref.update(now, from.Remote(), smp, est)
	if s.cfg.FreeRunning {
		return
	}
	if err := s.deps.Clock.AccumulateFrequency(est.Frequency * 1e6); err != nil {
		log.Errorf("Failed to adjust frequency: %v", err)
		return
	}
	if err := s.deps.Clock.AccumulateOffset(offset, math.Sqrt(est.Variance)); err != nil {
		log.Errorf("Failed to slew clock: %v", err)
		return
	}
	s.counter("clock.slew")
	s.SlewAll(now, est.Frequency, offset)
}

// SlewAll keeps every engine consistent with a correction of the local clock
func (s *SourceSet) SlewAll(when time.Time, dfreq, doffset float64) {
	for _, e := range s.engines {
		e.SlewTimes(when, dfreq, doffset)
	}
}

// Reports returns reports of all sources
func (s *SourceSet) Reports(now time.Time) []core.Report {
	reports := make([]core.Report, 0, len(s.engines))
	for _, e := range s.engines {
		reports = append(reports, e.Report(now))
	}
	return reports
}

func (s *SourceSet) scheduleReport() {
	s.report = s.deps.Loop.AddTimeout(s.cfg.ReportInterval, sched.ClassNone, func() {
		s.publishReports()
		s.scheduleReport()
	})
}

func (s *SourceSet) publishReports() {
	if s.deps.Monitor == nil {
		return
	}
	s.deps.Monitor.SetSourceReports(s.Reports(s.deps.Loop.LastEventTime()))
}

// Stop saves histories and stops all engines
func (s *SourceSet) Stop() {
	s.deps.Loop.RemoveTimeout(s.report)
	if s.session != nil {
		s.session.cancel()
		s.session = nil
	}
	s.publishReports()
	for _, e := range s.engines {
		s.save(e)
		e.TakeOffline()
	}
}

func (s *SourceSet) restore(e *core.Engine) {
	if s.deps.History == nil {
		return
	}
	samples, err := s.deps.History.Load(e.Remote().String(), s.deps.Loop.LastEventTime())
	if err != nil {
		log.Warningf("Failed to load history of %s: %v", e.Remote(), err)
		return
	}
	if len(samples) > 0 {
		e.Stats().Restore(samples)
		log.Infof("Restored %d samples of %s", len(samples), e.Remote())
	}
}

func (s *SourceSet) save(e *core.Engine) {
	if s.deps.History == nil {
		return
	}
	if err := s.deps.History.Save(e.Remote().String(), e.Stats().Snapshot(), s.deps.Loop.LastEventTime()); err != nil {
		log.Warningf("Failed to save history of %s: %v", e.Remote(), err)
	}
}

func (s *SourceSet) counter(key string) {
	if s.deps.Monitor != nil {
		s.deps.Monitor.UpdateCounterBy(key, 1)
	}
}
