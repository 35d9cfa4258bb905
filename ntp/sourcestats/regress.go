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

package sourcestats

import (
	"math"
	"slices"

	"golang.org/x/exp/constraints"
)

const (
	// MinSamplesForRegression is the smallest number of points a fit is attempted on
	MinSamplesForRegression = 3
	// RunsRatio is how many times more residuals than fitted points the runs test may use
	RunsRatio = 2

	// z value of the one-sided 5% critical region of the runs test
	runsTestZ = 1.645
	// below this many residuals the runs test never rejects a fit
	minResidualsForRunsTest = 8
)

// 99.95% quantiles of Student's t distribution, by degrees of freedom
var tCoefficients = []float64{
	636.6, 31.6, 12.92, 8.61, 6.869,
	5.959, 5.408, 5.041, 4.781, 4.587,
	4.437, 4.318, 4.221, 4.140, 4.073,
	4.015, 3.965, 3.922, 3.883, 3.850,
	3.819, 3.792, 3.768, 3.745, 3.725,
	3.707, 3.690, 3.674, 3.659, 3.646,
	3.633, 3.622, 3.611, 3.601, 3.591,
	3.582, 3.574, 3.566, 3.558, 3.551,
}

// TCoef returns the t distribution coefficient used to turn a standard error into a bound
func TCoef(dof int) float64 {
	if dof < 1 {
		return tCoefficients[0]
	}
	if dof <= len(tCoefficients) {
		return tCoefficients[dof-1]
	}
	return 3.5
}

// criticalRuns returns the number of runs of same-sign residuals at or below
// which the residuals of n points are considered non-random
func criticalRuns(n int) int {
	if n < minResidualsForRunsTest {
		return 0
	}
	fn := float64(n)
	mean := fn/2 + 1
	sd := math.Sqrt(fn * (fn - 2) / (4 * (fn - 1)))
	return int(math.Floor(mean - runsTestZ*sd))
}

// RunsFromResiduals counts runs of residuals with the same sign
func RunsFromResiduals(resid []float64) int {
	if len(resid) == 0 {
		return 0
	}
	runs := 1
	for i := 1; i < len(resid); i++ {
		if !((resid[i-1] < 0 && resid[i] < 0) || (resid[i-1] > 0 && resid[i] > 0)) {
			runs++
		}
	}
	return runs
}

// Median returns the median of x without modifying it
func Median[T constraints.Float](x []T) T {
	if len(x) == 0 {
		return 0
	}
	tmp := slices.Clone(x)
	slices.Sort(tmp)
	k := len(tmp) / 2
	if len(tmp)%2 == 1 {
		return tmp[k]
	}
	return (tmp[k-1] + tmp[k]) / 2
}

// Regression is the outcome of a weighted least squares fit y = a + b*x
type Regression struct {
	Intercept   float64 // a
	Slope       float64 // b
	Variance    float64 // weighted residual variance
	InterceptSD float64 // standard error of a
	SlopeSD     float64 // standard error of b
	Start       int     // first point kept; older points should be discarded
	Runs        int     // runs of same-sign residuals over the kept points
	DOF         int     // degrees of freedom of the fit
}

// FindBestRegression fits a line through the points and drops the oldest
// ones until the residuals pass a runs test.
//
// x and y hold m extra older points followed by the n points being fitted;
// the extra points only take part in the runs test. w holds the n weights
// (larger weight means less trusted point).
func FindBestRegression(x, y, w []float64, m, minSamples int) (Regression, bool) {
	n := len(w)
	if n < MinSamplesForRegression || len(x) != n+m || len(y) != n+m {
		return Regression{}, false
	}

	resid := make([]float64, n+m)
	var a, b, u, W, V float64
	var start, residStart, runs int
	for start = 0; ; start++ {
		var U float64
		W = 0
		for i := start; i < n; i++ {
			U += x[m+i] / w[i]
			W += 1.0 / w[i]
		}
		u = U / W

		var P, Q float64
		V = 0
		for i := start; i < n; i++ {
			ui := x[m+i] - u
			P += y[m+i] / w[i]
			Q += y[m+i] * ui / w[i]
			V += ui * ui / w[i]
		}
		b = Q / V
		a = P/W - b*u

		// residuals also for the older points the runs test may look at
		residStart = n - (n-start)*RunsRatio
		if residStart < -m {
			residStart = -m
		}
		for i := residStart; i < n; i++ {
			resid[i-residStart] = y[m+i] - a - b*x[m+i]
		}

		runs = RunsFromResiduals(resid[:n-residStart])
		if runs > criticalRuns(n-residStart) ||
			n-start <= MinSamplesForRegression ||
			n-start <= minSamples {
			if start != residStart {
				runs = RunsFromResiduals(resid[start-residStart : n-residStart])
			}
			break
		}
	}

	var ss float64
	for i := start; i < n; i++ {
		r := resid[i-residStart]
		ss += r * r / w[i]
	}
	points := n - start
	ss /= float64(points - 2)
	sb1 := math.Sqrt(ss / V)
	aa := u * sb1

	return Regression{
		Intercept:   a,
		Slope:       b,
		Variance:    ss * float64(points) / W,
		InterceptSD: math.Sqrt(ss/W + aa*aa),
		SlopeSD:     sb1,
		Start:       start,
		Runs:        runs,
		DOF:         points - 2,
	}, true
}
