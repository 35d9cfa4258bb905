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
	"context"
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpd/ntp/sched"
)

const resolveTimeout = 10 * time.Second

// ResolveRetry bounds the delay between attempts to resolve a source name
type ResolveRetry struct {
	Min time.Duration
	Max time.Duration
	// Attempts is how many failures are tolerated before a name taking part
	// in the initial acquisition is left out of it. The name keeps being retried.
	Attempts int
}

func (r ResolveRetry) withDefaults() ResolveRetry {
	if r.Min <= 0 {
		r.Min = 2 * time.Second
	}
	if r.Max < r.Min {
		r.Max = max(r.Min, 1024*time.Second)
	}
	if r.Attempts <= 0 {
		r.Attempts = 3
	}
	return r
}

type pendingSource struct {
	spec     SourceSpec
	retry    time.Duration
	failures int
}

// resolve looks the name up off the event loop and posts the result back
func (s *SourceSet) resolve(p *pendingSource) {
	if s.deps.Resolver == nil {
		s.resolved(p, nil, fmt.Errorf("no resolver configured"))
		return
	}
	ctx := s.ctx
	go func() {
		ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
		addrs, err := s.deps.Resolver.LookupNetIP(ctx, "ip", p.spec.Name)
		cancel()
		s.deps.Loop.Post(func() {
			s.resolved(p, addrs, err)
		})
	}()
}

// resolved adds the source or schedules another attempt with doubled delay
func (s *SourceSet) resolved(p *pendingSource, addrs []netip.Addr, err error) {
	if err == nil && len(addrs) == 0 {
		err = fmt.Errorf("no addresses")
	}
	if err != nil {
		p.failures++
		s.counter("sources.resolve.error")
		log.Warningf("Failed to resolve %s: %v, retrying in %v", p.spec.Name, err, p.retry)
		if s.session != nil && s.session.participates(p.spec.Name) && p.failures >= s.cfg.ResolveRetry.Attempts {
			s.session.dropSource(p.spec.Name)
		}
		delay := p.retry
		p.retry = min(2*p.retry, s.cfg.ResolveRetry.Max)
		s.deps.Loop.AddTimeout(delay, sched.ClassNone, func() {
			s.resolve(p)
		})
		return
	}
	addr := netip.AddrPortFrom(addrs[0].Unmap(), uint16(p.spec.Port))
	log.Infof("Resolved %s to %s", p.spec.Name, addr.Addr())
	s.addResolved(p.spec, addr)
}
