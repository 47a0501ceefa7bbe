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

package clockdriver

import (
	"sort"
	"time"

	"github.com/eclesh/welford"
)

// Reducer picks the representative value out of a window of samples.
type Reducer uint8

const (
	ReducerMean Reducer = iota
	ReducerMedian
)

// MovingStatFilter is a sliding window statistic over float64 samples with a
// pluggable reducer, per spec.md §3's MovingStatFilter dataset. Its
// blocked/blockedSet/lastAdmitted fields are not updated by any method; the
// MAD outlier gate in disciplineClock keeps its blocking state in MADFilter.
type MovingStatFilter struct {
	reducer     Reducer
	window      []float64
	size        int
	blocked     bool
	blockedSet  time.Time
	lastAdmitted float64
}

// NewMovingStatFilter builds a filter with the given window size and
// reducer.
func NewMovingStatFilter(size int, r Reducer) *MovingStatFilter {
	if size < 1 {
		size = 1
	}
	return &MovingStatFilter{reducer: r, size: size, window: make([]float64, 0, size)}
}

// Add pushes a new sample into the window, evicting the oldest once full.
func (f *MovingStatFilter) Add(v float64) {
	if len(f.window) >= f.size {
		f.window = f.window[1:]
	}
	f.window = append(f.window, v)
}

// Value returns the reduced statistic over the current window. An empty
// window reduces to zero.
func (f *MovingStatFilter) Value() float64 {
	if len(f.window) == 0 {
		return 0
	}
	switch f.reducer {
	case ReducerMedian:
		return median(f.window)
	default:
		return mean(f.window)
	}
}

// Full reports whether the window has accumulated its configured size.
func (f *MovingStatFilter) Full() bool {
	return len(f.window) >= f.size
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// mad computes the median absolute deviation of xs around their median.
func mad(xs []float64) float64 {
	m := median(xs)
	devs := make([]float64, len(xs))
	for i, x := range xs {
		d := x - m
		if d < 0 {
			d = -d
		}
		devs[i] = d
	}
	return median(devs)
}

// MADFilter implements spec.md §4.2 step 4's outlier gate: reject a sample
// if |sample-median|/MAD exceeds madMax, re-using the last admitted value
// while blocked, and force-resetting after outlierFilterBlockTimeout.
//
// Grounded on servo.PiServoFilter.isSpike (servo/pi.go), generalized from a
// servo-private filter into the CDR's standalone outlier gate so it can run
// ahead of the PI servo per spec.md's discipline pipeline ordering.
type MADFilter struct {
	window       []float64
	windowSize   int
	madMax       float64
	delay        int
	blockTimeout time.Duration

	seen          int
	blocked       bool
	blockedSince  time.Time
	lastAdmitted  float64
}

// NewMADFilter builds a MAD outlier gate with the given window size, cutoff
// and minimum observation delay before the gate activates.
func NewMADFilter(windowSize int, madMax float64, delay int, blockTimeout time.Duration) *MADFilter {
	if windowSize < 1 {
		windowSize = 1
	}
	return &MADFilter{windowSize: windowSize, madMax: madMax, delay: delay, blockTimeout: blockTimeout}
}

// Admit runs one sample through the gate. It returns the value to feed
// downstream (the sample itself, or the last admitted value while blocked)
// and whether the sample was rejected as an outlier.
func (f *MADFilter) Admit(sample float64, now time.Time) (value float64, rejected bool) {
	f.seen++
	if len(f.window) >= f.windowSize {
		f.window = f.window[1:]
	}
	f.window = append(f.window, sample)

	if f.seen < f.delay || f.madMax <= 0 {
		f.lastAdmitted = sample
		return sample, false
	}

	m := mad(f.window)
	if m == 0 {
		f.lastAdmitted = sample
		f.blocked = false
		return sample, false
	}
	medVal := median(f.window)
	dev := sample - medVal
	if dev < 0 {
		dev = -dev
	}
	if dev/m <= f.madMax {
		f.blocked = false
		f.lastAdmitted = sample
		return sample, false
	}

	if !f.blocked {
		f.blocked = true
		f.blockedSince = now
	} else if f.blockTimeout > 0 && now.Sub(f.blockedSince) > f.blockTimeout {
		f.Reset()
		f.lastAdmitted = sample
		return sample, false
	}
	return f.lastAdmitted, true
}

// Reset clears the gate's accumulated window and blocked state.
func (f *MADFilter) Reset() {
	f.window = f.window[:0]
	f.seen = 0
	f.blocked = false
}

// adevAccumulator tracks an Allan-deviation-adjacent running variance of
// frequency samples, used by the LOCKED/TRACKING transition thresholds.
// Wired to github.com/eclesh/welford per SPEC_FULL.md's DOMAIN STACK, in
// place of hand-rolling a running-variance accumulator.
type adevAccumulator struct {
	stats *welford.Stats
}

func newAdevAccumulator() *adevAccumulator {
	return &adevAccumulator{stats: welford.New()}
}

// Add folds in one frequency sample (ppb).
func (a *adevAccumulator) Add(freqPPB float64) {
	a.stats.Add(freqPPB)
}

// Value returns the current standard deviation estimate, used as the
// driver's Allan-deviation proxy.
func (a *adevAccumulator) Value() float64 {
	if a.stats.Count() < 2 {
		return 0
	}
	return a.stats.Stddev()
}

// Reset discards accumulated samples, as required on LOCKED -> HOLDOVER.
func (a *adevAccumulator) Reset() {
	a.stats = welford.New()
}
