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

// Package ptptime implements the 80-bit fixed point time arithmetic used
// internally by the clock driver and PTP engine: a signed 48-bit seconds
// component plus a 32-bit nanoseconds component, always normalized so that
// |ns| < 1e9 and a nonzero ns has the same sign as a nonzero seconds
// component; a negative sub-second value has zero seconds and negative ns.
package ptptime

import (
	"fmt"
	"time"

	ptp "github.com/tickwell/ptpd/ptp/protocol"
)

const nsPerSecond = int64(time.Second)

// Time is the internal signed fixed point representation of a PTP time
// value or offset. Unlike ptp.Timestamp (the unsigned wire form), Time can
// be negative, which is needed to represent offsets and deltas.
type Time struct {
	Sec int64 // signed seconds, fits in 48 bits of range
	NS  int32 // nanoseconds, |NS| < 1e9 and signed like Sec once normalized
}

// normalize enforces |NS| < 1e9 with NS signed like Sec, carrying the
// excess/deficit into Sec.
func normalize(sec int64, ns int64) Time {
	sec += ns / nsPerSecond
	ns %= nsPerSecond
	if sec > 0 && ns < 0 {
		sec--
		ns += nsPerSecond
	} else if sec < 0 && ns > 0 {
		sec++
		ns -= nsPerSecond
	}
	return Time{Sec: sec, NS: int32(ns)}
}

// New builds a normalized Time from raw (possibly out-of-range) components.
func New(sec int64, ns int64) Time {
	return normalize(sec, ns)
}

// Zero is the zero time value.
var Zero = Time{}

// Clear resets t to zero in place.
func (t *Time) Clear() {
	t.Sec = 0
	t.NS = 0
}

// IsZero reports whether t is exactly zero.
func (t Time) IsZero() bool {
	return t.Sec == 0 && t.NS == 0
}

// IsNegative reports whether t represents a negative duration/instant.
func (t Time) IsNegative() bool {
	return t.Sec < 0 || (t.Sec == 0 && t.NS < 0)
}

// Add returns t + other, normalized.
func Add(t, other Time) Time {
	return normalize(t.Sec+other.Sec, int64(t.NS)+int64(other.NS))
}

// Sub returns t - other, normalized.
func Sub(t, other Time) Time {
	return normalize(t.Sec-other.Sec, int64(t.NS)-int64(other.NS))
}

// Negate returns -t.
func Negate(t Time) Time {
	return normalize(-t.Sec, -int64(t.NS))
}

// Half returns t/2, rounding half towards negative infinity on the
// nanoseconds component so repeated halving never accumulates positive
// drift.
func Half(t Time) Time {
	ns := int64(t.NS) + (t.Sec%2)*nsPerSecond
	sec := t.Sec / 2
	half := ns / 2
	if ns < 0 && ns%2 != 0 {
		half--
	}
	return normalize(sec, half)
}

// Abs returns the absolute value of t, replacing the sign of both
// components rather than just the seconds component.
func Abs(t Time) Time {
	sec := t.Sec
	if sec < 0 {
		sec = -sec
	}
	ns := t.NS
	if ns < 0 {
		ns = -ns
	}
	return normalize(sec, int64(ns))
}

// Compare returns -1, 0 or 1 as t is less than, equal to, or greater than
// other.
func Compare(t, other Time) int {
	switch {
	case t.Sec < other.Sec:
		return -1
	case t.Sec > other.Sec:
		return 1
	case t.NS < other.NS:
		return -1
	case t.NS > other.NS:
		return 1
	default:
		return 0
	}
}

// Duration converts t to a time.Duration. Callers must ensure t fits in the
// int64 nanosecond range of time.Duration (about +/-292 years).
func (t Time) Duration() time.Duration {
	return time.Duration(t.Sec)*time.Second + time.Duration(t.NS)
}

// FromDuration builds a Time from a time.Duration.
func FromDuration(d time.Duration) Time {
	return normalize(int64(d/time.Second), int64(d%time.Second))
}

// FromMonotonic builds a Time from a monotonic reading expressed as
// time.Time (only the elapsed-nanoseconds relationship between two such
// values is meaningful, matching getTimeMonotonic semantics).
func FromMonotonic(t time.Time) Time {
	return New(0, t.UnixNano())
}

// Time converts t to a wall-clock time.Time. t must be non-negative.
func (t Time) Time() time.Time {
	return time.Unix(t.Sec, int64(t.NS))
}

// FromTime builds a Time from a wall-clock time.Time.
func FromTime(t time.Time) Time {
	return New(t.Unix(), int64(t.Nanosecond()))
}

// String renders t the way ptpd-derived tools print offsets.
func (t Time) String() string {
	sign := ""
	if t.IsNegative() {
		sign = "-"
	}
	a := Abs(t)
	return fmt.Sprintf("%s%d.%09d", sign, a.Sec, a.NS)
}

// ToWire converts t to the unsigned IEEE 1588 wire timestamp. t must be in
// [0, 2^48) seconds; negative values are clamped to zero since the wire
// form cannot represent them.
func ToWire(t Time) ptp.Timestamp {
	if t.IsNegative() {
		return ptp.Timestamp{}
	}
	return ptp.NewTimestamp(t.Time())
}

// FromWire converts an IEEE 1588 wire timestamp into a Time.
func FromWire(w ptp.Timestamp) Time {
	return New(int64(w.Seconds.Seconds()), int64(w.Nanoseconds))
}
