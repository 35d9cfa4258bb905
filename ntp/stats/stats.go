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
Package stats collects counters and per-source reports of the daemon and
exports them over HTTP as JSON and in Prometheus format.
*/
package stats

import (
	"math"
	"sort"
	"sync"

	"github.com/eclesh/welford"

	"github.com/facebook/ntpd/ntp/core"
)

// Stats is a counter store safe for concurrent use
type Stats struct {
	mux      sync.Mutex
	counters map[string]int64
	reports  []core.Report
	delays   map[string]*welford.Stats
}

// NewStats created new instance of Stats
func NewStats() *Stats {
	return &Stats{
		counters: map[string]int64{},
		delays:   map[string]*welford.Stats{},
	}
}

// UpdateCounterBy will increment counter
func (s *Stats) UpdateCounterBy(key string, count int64) {
	s.mux.Lock()
	s.counters[key] += count
	s.mux.Unlock()
}

// SetCounter will set a counter to the provided value.
func (s *Stats) SetCounter(key string, val int64) {
	s.mux.Lock()
	s.counters[key] = val
	s.mux.Unlock()
}

// GetCounters returns an map of counters
func (s *Stats) GetCounters() map[string]int64 {
	ret := make(map[string]int64)
	s.mux.Lock()
	for key, val := range s.counters {
		ret[key] = val
	}
	s.mux.Unlock()
	return ret
}

// Reset all the values of counters
func (s *Stats) Reset() {
	s.mux.Lock()
	for k := range s.counters {
		s.counters[k] = 0
	}
	s.mux.Unlock()
}

// ObserveDelay feeds a measured round trip delay of a source into its running mean
func (s *Stats) ObserveDelay(source string, delay float64) {
	s.mux.Lock()
	w, ok := s.delays[source]
	if !ok {
		w = welford.New()
		s.delays[source] = w
	}
	w.Add(delay)
	s.mux.Unlock()
}

// DelayStats returns mean and standard deviation of delays observed for the source
func (s *Stats) DelayStats(source string) (mean, stddev float64, ok bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	w, ok := s.delays[source]
	if !ok {
		return 0, 0, false
	}
	return finite(w.Mean()), finite(w.Stddev()), true
}

// finite maps NaN and infinities, which JSON cannot carry, to 0
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// ForgetSource drops everything known about the source
func (s *Stats) ForgetSource(source string) {
	s.mux.Lock()
	delete(s.delays, source)
	s.mux.Unlock()
}

// SetSourceReports replaces the published source reports
func (s *Stats) SetSourceReports(reports []core.Report) {
	cp := make([]core.Report, len(reports))
	copy(cp, reports)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Remote < cp[j].Remote })
	s.mux.Lock()
	s.reports = cp
	s.mux.Unlock()
}

// SourceReport is a source report with the delay statistics of the source
type SourceReport struct {
	core.Report
	DelayMean   float64 `json:"delay_mean"`
	DelayStdDev float64 `json:"delay_stddev"`
}

// GetSourceReports returns the published source reports
func (s *Stats) GetSourceReports() []SourceReport {
	s.mux.Lock()
	defer s.mux.Unlock()
	ret := make([]SourceReport, 0, len(s.reports))
	for _, r := range s.reports {
		sr := SourceReport{Report: r}
		if w, ok := s.delays[r.Remote]; ok {
			sr.DelayMean = finite(w.Mean())
			sr.DelayStdDev = finite(w.Stddev())
		}
		ret = append(ret, sr)
	}
	return ret
}
