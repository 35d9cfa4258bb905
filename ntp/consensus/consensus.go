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
Package consensus turns offset confidence intervals of several sources into one
trusted offset estimate and decides whether the local clock is stepped or slewed.
*/
package consensus

import (
	"errors"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
)

// ErrNoIntersection is returned when no sane source interval exists
var ErrNoIntersection = errors.New("no intersecting endpoints found")

// Measurement is one raw observation of a source
type Measurement struct {
	Offset       float64 // positive means local clock is fast
	RootDistance float64
}

// Source groups measurements of one source, oldest first
type Source struct {
	Name         string
	Measurements []Measurement
}

// Interval is an offset confidence interval
type Interval struct {
	Lo float64
	Hi float64
}

// Mid returns the middle of the interval
func (i Interval) Mid() float64 {
	return 0.5 * (i.Lo + i.Hi)
}

// SourceInterval intersects intervals of consecutive measurements.
// It returns false when the source contradicts itself or has no measurements.
func SourceInterval(ms []Measurement) (Interval, bool) {
	if len(ms) == 0 {
		return Interval{}, false
	}
	in := Interval{Lo: ms[0].Offset - ms[0].RootDistance, Hi: ms[0].Offset + ms[0].RootDistance}
	for _, m := range ms[1:] {
		in.Lo = math.Max(in.Lo, m.Offset-m.RootDistance)
		in.Hi = math.Min(in.Hi, m.Offset+m.RootDistance)
		if in.Lo > in.Hi {
			return Interval{}, false
		}
	}
	return in, true
}

type endpointKind int

const (
	endpointLow endpointKind = iota
	endpointHigh
)

type endpoint struct {
	offset float64
	kind   endpointKind
	source int
}

// Result is the outcome of one consensus computation
type Result struct {
	Offset    float64
	Depth     int
	Intervals []Interval // intervals where the depth is reached, ascending
	Sane      []string
	Insane    []string
}

// Estimate finds the offset supported by the largest number of sources
func Estimate(sources []Source) (*Result, error) {
	res := &Result{}
	eps := make([]endpoint, 0, 2*len(sources))
	for i, s := range sources {
		in, ok := SourceInterval(s.Measurements)
		if !ok {
			res.Insane = append(res.Insane, s.Name)
			continue
		}
		res.Sane = append(res.Sane, s.Name)
		eps = append(eps,
			endpoint{offset: in.Lo, kind: endpointLow, source: i},
			endpoint{offset: in.Hi, kind: endpointHigh, source: i},
		)
	}
	if len(res.Sane) == 0 {
		return res, ErrNoIntersection
	}

	sort.SliceStable(eps, func(i, j int) bool {
		return eps[i].offset < eps[j].offset
	})

	depth := 0
	for _, ep := range eps {
		switch ep.kind {
		case endpointLow:
			depth++
			if depth > res.Depth {
				res.Depth = depth
				res.Intervals = res.Intervals[:0]
				res.Intervals = append(res.Intervals, Interval{Lo: ep.offset})
			} else if depth == res.Depth {
				res.Intervals = append(res.Intervals, Interval{Lo: ep.offset})
			}
		case endpointHigh:
			if depth == res.Depth {
				res.Intervals[len(res.Intervals)-1].Hi = ep.offset
			}
			depth--
		}
	}
	if res.Depth == 0 {
		return res, ErrNoIntersection
	}

	n := len(res.Intervals)
	if n%2 == 1 {
		res.Offset = res.Intervals[n/2].Mid()
	} else {
		res.Offset = 0.5 * (res.Intervals[n/2-1].Hi + res.Intervals[n/2].Lo)
	}
	log.Debugf("consensus: depth=%d intervals=%v offset=%e", res.Depth, res.Intervals, res.Offset)
	return res, nil
}

// Action is the way a correction is applied
type Action int

// Correction actions
const (
	ActionSlew Action = iota
	ActionStep
)

func (a Action) String() string {
	if a == ActionStep {
		return "step"
	}
	return "slew"
}

// Decide picks step for offsets at or above the threshold, slew below it
func Decide(offset, threshold float64) Action {
	if math.Abs(offset) >= threshold {
		return ActionStep
	}
	return ActionSlew
}

// Clock is the part of the local clock a correction needs
type Clock interface {
	ApplyStep(offset float64) error
	AccumulateOffset(offset, errorEstimate float64) error
}

// Apply corrects the clock by the estimate
func Apply(clk Clock, res *Result, threshold float64) (Action, error) {
	action := Decide(res.Offset, threshold)
	direction := "fast"
	if res.Offset < 0 {
		direction = "slow"
	}
	log.Infof("System's initial offset: %.6f seconds %s of true (%s)", math.Abs(res.Offset), direction, action)

	var err error
	switch action {
	case ActionStep:
		err = clk.ApplyStep(res.Offset)
	case ActionSlew:
		err = clk.AccumulateOffset(res.Offset, 0)
	}
	if err != nil {
		return action, fmt.Errorf("applying %s of %.6f: %w", action, res.Offset, err)
	}
	return action, nil
}
