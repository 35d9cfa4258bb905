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

package cmd

import (
	"fmt"
	"math"
	"time"

	"github.com/fatih/color"

	"github.com/facebook/ntpd/ntp/stats"
)

// formatSeconds renders a time interval with a fitting unit
func formatSeconds(v float64) string {
	a := math.Abs(v)
	switch {
	case a == 0:
		return "0ns"
	case a < 1e-6:
		return fmt.Sprintf("%+.0fns", v*1e9)
	case a < 1e-3:
		return fmt.Sprintf("%+.3fus", v*1e6)
	case a < 1:
		return fmt.Sprintf("%+.3fms", v*1e3)
	}
	return fmt.Sprintf("%+.3fs", v)
}

// formatAgo renders how long ago t was
func formatAgo(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String()
}

// formatReach renders the reachability register in octal, coloured by how many
// of the last 8 requests were answered
func formatReach(reach uint8) string {
	s := fmt.Sprintf("%3o", reach)
	switch {
	case reach == 0:
		return color.RedString(s)
	case reach == 0xff:
		return color.GreenString(s)
	}
	return color.YellowString(s)
}

func sourceRow(r stats.SourceReport, now time.Time) []string {
	return []string{
		r.Mode,
		r.OpMode,
		r.Remote,
		fmt.Sprintf("%d", r.Stratum),
		fmt.Sprintf("%d", r.Poll),
		formatReach(r.Reach),
		formatAgo(r.LastRx, now),
		formatSeconds(r.LastOffset),
		fmt.Sprintf("%v", r.Selectable),
	}
}

func sourceStatsRow(r stats.SourceReport) []string {
	return []string{
		r.Remote,
		fmt.Sprintf("%d", r.Stats.Samples),
		fmt.Sprintf("%d", r.Stats.Runs),
		fmt.Sprintf("%.0fs", r.Stats.SpanSeconds),
		fmt.Sprintf("%+.3f", r.Stats.Frequency),
		fmt.Sprintf("%.3f", r.Stats.Skew),
		formatSeconds(r.Stats.Offset),
		formatSeconds(r.Stats.StdDev),
		formatSeconds(r.DelayMean),
	}
}
