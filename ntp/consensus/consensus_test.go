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

package consensus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// interval builds a source with one measurement spanning [lo, hi]
func interval(name string, lo, hi float64) Source {
	return Source{
		Name:         name,
		Measurements: []Measurement{{Offset: (lo + hi) / 2, RootDistance: (hi - lo) / 2}},
	}
}

func TestSourceInterval(t *testing.T) {
	_, ok := SourceInterval(nil)
	require.False(t, ok)

	in, ok := SourceInterval([]Measurement{{Offset: 2, RootDistance: 1}, {Offset: 2.5, RootDistance: 1}})
	require.True(t, ok)
	require.Equal(t, Interval{Lo: 1.5, Hi: 3}, in)

	_, ok = SourceInterval([]Measurement{{Offset: 0, RootDistance: 1}, {Offset: 5, RootDistance: 1}})
	require.False(t, ok)
}

func TestEstimateSingleSource(t *testing.T) {
	res, err := Estimate([]Source{interval("a", 1, 3)})
	require.NoError(t, err)
	require.Equal(t, 2.0, res.Offset)
	require.Equal(t, 1, res.Depth)
	require.Equal(t, []Interval{{Lo: 1, Hi: 3}}, res.Intervals)
}

func TestEstimateMajority(t *testing.T) {
	res, err := Estimate([]Source{
		interval("a", 1, 3),
		interval("b", 2, 4),
		interval("c", 10, 12),
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Depth)
	require.Equal(t, []Interval{{Lo: 2, Hi: 3}}, res.Intervals)
	require.Equal(t, 2.5, res.Offset)
	require.Equal(t, []string{"a", "b", "c"}, res.Sane)
}

func TestEstimateTwoIntervals(t *testing.T) {
	res, err := Estimate([]Source{
		interval("a", 5, 7),
		interval("b", 0, 1),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Depth)
	require.Equal(t, []Interval{{Lo: 0, Hi: 1}, {Lo: 5, Hi: 7}}, res.Intervals)
	// between the adjacent bounds of the two middle intervals
	require.Equal(t, 3.0, res.Offset)
}

func TestEstimateThreeIntervals(t *testing.T) {
	res, err := Estimate([]Source{
		interval("a", 0, 1),
		interval("b", 2, 3),
		interval("c", 4, 5),
	})
	require.NoError(t, err)
	require.Len(t, res.Intervals, 3)
	require.Equal(t, 2.5, res.Offset)
}

func TestEstimateInsaneSourceExcluded(t *testing.T) {
	insane := Source{
		Name:         "x",
		Measurements: []Measurement{{Offset: 0, RootDistance: 1}, {Offset: 5, RootDistance: 1}},
	}
	res, err := Estimate([]Source{insane, interval("a", 1, 3)})
	require.NoError(t, err)
	require.Equal(t, 2.0, res.Offset)
	require.Equal(t, []string{"x"}, res.Insane)
	require.Equal(t, []string{"a"}, res.Sane)
}

func TestEstimateNoSaneSource(t *testing.T) {
	_, err := Estimate(nil)
	require.ErrorIs(t, err, ErrNoIntersection)

	_, err = Estimate([]Source{{Name: "empty"}})
	require.ErrorIs(t, err, ErrNoIntersection)
}

func TestDecide(t *testing.T) {
	require.Equal(t, ActionStep, Decide(0.5, 0.5))
	require.Equal(t, ActionStep, Decide(-0.5, 0.5))
	require.Equal(t, ActionSlew, Decide(0.4999, 0.5))
	require.Equal(t, ActionSlew, Decide(-0.4999, 0.5))
	require.Equal(t, ActionStep, Decide(-3, 0.5))
	require.Equal(t, "step", ActionStep.String())
	require.Equal(t, "slew", ActionSlew.String())
}

type fakeClock struct {
	step    float64
	slew    float64
	stepped bool
	slewed  bool
	err     error
}

func (c *fakeClock) ApplyStep(offset float64) error {
	c.step = offset
	c.stepped = true
	return c.err
}

func (c *fakeClock) AccumulateOffset(offset, _ float64) error {
	c.slew = offset
	c.slewed = true
	return c.err
}

func TestApply(t *testing.T) {
	clk := &fakeClock{}
	action, err := Apply(clk, &Result{Offset: 2.5}, 1.0)
	require.NoError(t, err)
	require.Equal(t, ActionStep, action)
	require.True(t, clk.stepped)
	require.Equal(t, 2.5, clk.step)

	clk = &fakeClock{}
	action, err = Apply(clk, &Result{Offset: -0.25}, 1.0)
	require.NoError(t, err)
	require.Equal(t, ActionSlew, action)
	require.True(t, clk.slewed)
	require.Equal(t, -0.25, clk.slew)

	clk = &fakeClock{err: errors.New("nope")}
	_, err = Apply(clk, &Result{Offset: 5}, 1.0)
	require.Error(t, err)
}
