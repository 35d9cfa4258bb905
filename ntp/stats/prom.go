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

package stats

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const metricPrefix = "ntpd_"

var sourceLabels = []string{"source"}

var (
	offsetDesc = prometheus.NewDesc(metricPrefix+"source_offset_seconds",
		"Estimated offset of the local clock relative to the source, positive means fast", sourceLabels, nil)
	frequencyDesc = prometheus.NewDesc(metricPrefix+"source_frequency_ppm",
		"Estimated frequency offset of the local clock relative to the source", sourceLabels, nil)
	skewDesc = prometheus.NewDesc(metricPrefix+"source_skew_ppm",
		"Error bound of the frequency estimate", sourceLabels, nil)
	stdDevDesc = prometheus.NewDesc(metricPrefix+"source_stddev_seconds",
		"Standard deviation of the regression residuals", sourceLabels, nil)
	samplesDesc = prometheus.NewDesc(metricPrefix+"source_samples",
		"Number of samples used by the regression", sourceLabels, nil)
	pollDesc = prometheus.NewDesc(metricPrefix+"source_poll_log2",
		"Local polling interval exponent", sourceLabels, nil)
	reachDesc = prometheus.NewDesc(metricPrefix+"source_reach",
		"Reachability register", sourceLabels, nil)
	delayDesc = prometheus.NewDesc(metricPrefix+"source_delay_mean_seconds",
		"Running mean of measured round trip delay", sourceLabels, nil)
)

// sourceCollector exports per-source reports as gauges
type sourceCollector struct {
	stats *Stats
}

func (c *sourceCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{offsetDesc, frequencyDesc, skewDesc, stdDevDesc, samplesDesc, pollDesc, reachDesc, delayDesc} {
		ch <- d
	}
}

func (c *sourceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, r := range c.stats.GetSourceReports() {
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, r.Remote)
		}
		gauge(offsetDesc, r.Stats.Offset)
		gauge(frequencyDesc, r.Stats.Frequency)
		gauge(skewDesc, r.Stats.Skew)
		gauge(stdDevDesc, r.Stats.StdDev)
		gauge(samplesDesc, float64(r.Stats.Samples))
		gauge(pollDesc, float64(r.Poll))
		gauge(reachDesc, float64(r.Reach))
		gauge(delayDesc, r.DelayMean)
	}
}

// counterCollector exports every counter as a gauge. It describes nothing
// because the set of counters is only known at collection time.
type counterCollector struct {
	stats *Stats
}

func (c *counterCollector) Describe(chan<- *prometheus.Desc) {}

func (c *counterCollector) Collect(ch chan<- prometheus.Metric) {
	for key, val := range c.stats.GetCounters() {
		desc := prometheus.NewDesc(metricPrefix+flattenKey(key), key, nil, nil)
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, float64(val))
		if err != nil {
			log.Errorf("failed to export counter %s: %v", key, err)
			continue
		}
		ch <- m
	}
}

// NewRegistry returns a prometheus registry exporting s
func NewRegistry(s *Stats) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(&sourceCollector{stats: s}); err != nil {
		return nil, err
	}
	if err := registry.Register(&counterCollector{stats: s}); err != nil {
		return nil, err
	}
	return registry, nil
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "=", "_")
	key = strings.ReplaceAll(key, "/", "_")
	key = strings.ReplaceAll(key, ":", "_")
	return key
}
