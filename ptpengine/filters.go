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

package ptpengine

import (
	"container/ring"
	"math"
	"sort"
	"time"
)

// mpdFilter implements spec.md §4.4's delay filtering: a single-pole IIR on
// one-way delay with time constant s, and an optional MAD outlier gate
// (admitOffset). Port runs both over the E2E mean-path-delay samples in
// HandleDelayResp; offsetFromMaster is not passed through the MAD gate, and
// mean path delay is not clamped to a moving window.
//
// Grounded on the teacher's window.go sliding-window style
// (ptp/sptp/client/window.go, container/ring based) generalized from a
// unicast client's per-peer window into one filter per port.
type mpdFilter struct {
	s float64 // IIR time constant exponent; smoothing factor is 1/2^s

	madWindowSize int
	madMax        float64
	madDelay      int
	blockTimeout  time.Duration

	samples      *ring.Ring
	sampleCount  int
	seen         int
	blocked      bool
	blockedSince time.Time
	lastAdmitted float64

	iir        float64
	iirPrimed  bool
}

// newMPDFilter builds a filter with the configured IIR constant and MAD
// parameters.
func newMPDFilter(s float64, madWindowSize int, madMax float64, madDelay int, blockTimeout time.Duration) *mpdFilter {
	if madWindowSize < 1 {
		madWindowSize = 1
	}
	return &mpdFilter{
		s:             s,
		madWindowSize: madWindowSize,
		madMax:        madMax,
		madDelay:      madDelay,
		blockTimeout:  blockTimeout,
		samples:       ring.New(madWindowSize),
	}
}

// admitOffset runs the MAD outlier gate described in spec.md §4.4: rejects
// a sample if |sample-median|/MAD exceeds madMax, reusing the last admitted
// value while blocked and force-resetting after blockTimeout.
func (f *mpdFilter) admitOffset(sample float64, now time.Time) float64 {
	f.seen++
	f.samples = f.samples.Next()
	f.samples.Value = sample
	if f.sampleCount < f.madWindowSize {
		f.sampleCount++
	}

	if f.seen < f.madDelay || f.madMax <= 0 {
		f.lastAdmitted = sample
		return sample
	}

	window := f.window()
	med := median(window)
	m := mad(window, med)
	if m == 0 {
		f.blocked = false
		f.lastAdmitted = sample
		return sample
	}
	dev := sample - med
	if dev < 0 {
		dev = -dev
	}
	if dev/m <= f.madMax {
		f.blocked = false
		f.lastAdmitted = sample
		return sample
	}
	if !f.blocked {
		f.blocked = true
		f.blockedSince = now
	} else if f.blockTimeout > 0 && now.Sub(f.blockedSince) > f.blockTimeout {
		f.reset()
		f.lastAdmitted = sample
		return sample
	}
	return f.lastAdmitted
}

func (f *mpdFilter) reset() {
	f.samples = ring.New(f.madWindowSize)
	f.sampleCount = 0
	f.seen = 0
	f.blocked = false
}

func (f *mpdFilter) window() []float64 {
	out := make([]float64, 0, f.sampleCount)
	r := f.samples
	for i := 0; i < f.sampleCount; i++ {
		out = append(out, r.Value.(float64))
		r = r.Prev()
	}
	return out
}

// smoothDelay folds one one-way-delay sample into the single-pole IIR,
// returning the smoothed value. smoothing factor is 1/2^s per spec.md §4.4.
func (f *mpdFilter) smoothDelay(sampleNS float64) float64 {
	if !f.iirPrimed {
		f.iir = sampleNS
		f.iirPrimed = true
		return f.iir
	}
	alpha := math.Pow(2, -f.s)
	f.iir += (sampleNS - f.iir) * alpha
	return f.iir
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mad(xs []float64, med float64) float64 {
	devs := make([]float64, len(xs))
	for i, x := range xs {
		d := x - med
		if d < 0 {
			d = -d
		}
		devs[i] = d
	}
	return median(devs)
}
