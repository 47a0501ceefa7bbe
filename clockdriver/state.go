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

import "time"

// State is a clock driver's position in the discipline state machine.
type State uint8

const (
	StateInit State = iota
	StateFreerun
	StateFreqEst
	StateTracking
	StateLocked
	StateHoldover
	StateStep
	StateNegStep
	StateHWFault
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFreerun:
		return "FREERUN"
	case StateFreqEst:
		return "FREQEST"
	case StateTracking:
		return "TRACKING"
	case StateLocked:
		return "LOCKED"
	case StateHoldover:
		return "HOLDOVER"
	case StateStep:
		return "STEP"
	case StateNegStep:
		return "NEGSTEP"
	case StateHWFault:
		return "HWFAULT"
	}
	return "UNKNOWN"
}

// eligible reports whether a driver in this state may be selected as the
// process-wide best clock by findBestClock.
func (s State) eligible() bool {
	return s == StateLocked || s == StateHoldover
}

// transition advances the driver's state machine for one updateClockDrivers
// tick, given the inputs the standard describes. sampled reports whether
// this call follows a just-processed discipline sample (disciplineClock)
// rather than an idle CDR tick with no new measurement; elapsed is the real
// wall-clock time since the previous call, used to age the in-state timer.
// It mutates d.state and d.age bookkeeping.
//
// Grounded on original_source/src/libcck/clockdriver.c's
// clockdriver updateClockDrivers per-driver state switch and
// processUpdate/syncClocks's per-sample FREERUN exit, and spec.md §4.2's
// transition table.
func (d *Driver) transition(hasReference bool, adev float64, servoSaturated, sampled bool, elapsed time.Duration) {
	from := d.state
	switch d.state {
	case StateInit:
		if d.initialized {
			d.enter(StateFreerun)
		}
	case StateFreerun:
		switch {
		case hasReference && d.Config.CalibrationTime == 0:
			d.enter(StateTracking)
		case hasReference:
			d.enter(StateFreqEst)
		case sampled:
			// first post-sync update: a sample was disciplined without a
			// formal reference ever having been set (e.g. the system
			// clock driven directly by the PTP engine's SyncClock), so
			// the sample itself counts as reference acquisition.
			if d.Config.CalibrationTime > 0 {
				d.enter(StateFreqEst)
			} else {
				d.enter(StateTracking)
			}
		}
	case StateFreqEst:
		if d.ageInState >= d.Config.CalibrationTime {
			d.applyFrequencyEstimate()
			d.enter(StateTracking)
		}
	case StateTracking:
		if adev <= d.Config.StableAdev {
			d.enter(StateLocked)
		}
	case StateLocked:
		switch {
		case !hasReference:
			d.adev.Reset()
			d.enter(StateHoldover)
		case adev >= d.Config.UnstableAdev || servoSaturated || d.ageInState > d.Config.LockedAge:
			d.enter(StateTracking)
		}
	case StateHoldover:
		if d.ageInState > d.Config.HoldoverAge {
			d.enter(StateFreerun)
		}
	case StateStep:
		if d.ageInState >= d.Config.StepTimeout || d.lastAbsOffsetNS < d.Config.StepExitThreshold {
			d.enter(StateFreerun)
		}
	case StateHWFault:
		if d.healthOK && d.ageInState > d.Config.FailureDelay {
			d.enter(StateFreerun)
		}
	case StateNegStep:
		// no timed exit: the driver leaves NEGSTEP only when a later step
		// is made (StepTime, e.g. forced via Registry.StepAll, or a
		// permitted step in disciplineClock).
	}
	if d.state == from {
		d.ageInState += elapsed
	}
}

// enter moves the driver to a new state, resetting the in-state age counter
// and recording lastState the way spec.md §3's ClockDriver dataset requires.
func (d *Driver) enter(s State) {
	d.lastState = d.state
	d.state = s
	d.ageInState = 0
}
