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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name    string
	freq    float64
	healthy bool
}

func (f *fakeBackend) Name() string                  { return f.name }
func (f *fakeBackend) Now() (time.Time, error)        { return time.Now(), nil }
func (f *fakeBackend) MonotonicNow() time.Time        { return time.Now() }
func (f *fakeBackend) SetTime(time.Time) error        { return nil }
func (f *fakeBackend) Step(time.Duration) error       { return nil }
func (f *fakeBackend) SetFrequency(ppb float64) error { f.freq = ppb; return nil }
func (f *fakeBackend) Frequency() (float64, error)    { return f.freq, nil }
func (f *fakeBackend) HealthCheck() error {
	if f.healthy {
		return nil
	}
	return errHealth
}

var errHealth = &healthError{}

type healthError struct{}

func (*healthError) Error() string { return "unhealthy" }

func newTestDriver(name string) *Driver {
	cfg := DefaultConfig(name, 6)
	d := newDriver(KindSystem, &fakeBackend{name: name, healthy: true}, cfg)
	d.initialized = true
	d.state = StateFreerun
	return d
}

func TestStateMachineInitToFreerun(t *testing.T) {
	d := newTestDriver("d0")
	d.state = StateInit
	d.transition(false, 0, false, false, 0)
	require.Equal(t, StateFreerun, d.state)
}

func TestStateMachineFreerunToFreqEstToTracking(t *testing.T) {
	d := newTestDriver("d0")
	d.Config.CalibrationTime = 2 * time.Nanosecond
	d.transition(true, 0, false, false, 0)
	require.Equal(t, StateFreqEst, d.state)
	d.ageInState = d.Config.CalibrationTime
	d.transition(true, 0, false, false, 0)
	require.Equal(t, StateTracking, d.state)
}

func TestStateMachineFreerunToTrackingWithoutCalibration(t *testing.T) {
	d := newTestDriver("d0")
	d.Config.CalibrationTime = 0
	d.transition(true, 0, false, false, 0)
	require.Equal(t, StateTracking, d.state)
}

func TestStateMachineFreerunExitsOnFirstSampleWithoutReference(t *testing.T) {
	// the system clock driven only by the PTP engine's SyncClock never
	// acquires a refClock/externalReference, so the first disciplined
	// sample itself must move it out of FREERUN.
	d := newTestDriver("d0")
	d.Config.CalibrationTime = 2 * time.Nanosecond
	d.transition(false, 0, false, false, 0)
	require.Equal(t, StateFreerun, d.state, "an idle tick with no sample must not exit FREERUN")

	d.transition(false, 0, false, true, 0)
	require.Equal(t, StateFreqEst, d.state)
}

func TestStateMachineTrackingToLockedAndBack(t *testing.T) {
	d := newTestDriver("d0")
	d.state = StateTracking
	d.transition(true, d.Config.StableAdev/2, false, false, 0)
	require.Equal(t, StateLocked, d.state)

	d.transition(true, d.Config.UnstableAdev*2, false, false, 0)
	require.Equal(t, StateTracking, d.state)
}

func TestStateMachineLockedToHoldoverToFreerun(t *testing.T) {
	d := newTestDriver("d0")
	d.state = StateLocked
	d.transition(false, 0, false, false, 0)
	require.Equal(t, StateHoldover, d.state)

	d.Config.HoldoverAge = time.Nanosecond
	d.ageInState = 2 * time.Nanosecond
	d.transition(false, 0, false, false, 0)
	require.Equal(t, StateFreerun, d.state)
}

func TestAgeInStateAdvancesByElapsedNotByOne(t *testing.T) {
	d := newTestDriver("d0")
	d.state = StateLocked
	d.transition(true, 0, false, false, 10*time.Second)
	require.Equal(t, 10*time.Second, d.ageInState)
	d.transition(true, 0, false, false, 10*time.Second)
	require.Equal(t, 20*time.Second, d.ageInState)
}

func TestRegistryTickDrivesLockedToHoldoverOnIdleInterval(t *testing.T) {
	// a reference loss with no new sample must still age into HOLDOVER via
	// the registry's per-tick Driver.Tick, not just via disciplineClock.
	r := NewRegistry()
	d := newTestDriver("d0")
	d.state = StateLocked
	d.refClock = nil
	d.external = false
	require.NoError(t, r.Add(d))

	r.UpdateClockDrivers(time.Second)
	require.Equal(t, StateHoldover, d.state)
}

func TestSetReferenceRejectsCycle(t *testing.T) {
	a := newTestDriver("a")
	b := newTestDriver("b")
	require.NoError(t, a.SetReference(b))
	err := b.SetReference(a)
	require.Error(t, err)
}

func TestDisciplineClockZeroOffsetIsNoop(t *testing.T) {
	d := newTestDriver("d0")
	require.NoError(t, d.disciplineClock(0, time.Second))
	require.Equal(t, StateFreerun, d.state)
}

func TestDisciplineClockLargeOffsetSteps(t *testing.T) {
	d := newTestDriver("d0")
	d.Config.NegativeStepOK = true
	require.NoError(t, d.disciplineClock(int64(2*time.Second), time.Second))
	require.Equal(t, StateStep, d.state)
}

func TestDisciplineClockNegativeLargeOffsetWithoutOptInFails(t *testing.T) {
	d := newTestDriver("d0")
	d.Config.NegativeStepOK = false
	err := d.disciplineClock(-int64(2*time.Second), time.Second)
	require.Error(t, err)
	require.Equal(t, StateNegStep, d.state)
}

func TestMADFilterRejectsOutlier(t *testing.T) {
	f := NewMADFilter(10, 3.0, 4, time.Minute)
	now := time.Now()
	samples := []float64{98, 102, 99, 101, 100, 100}
	for _, s := range samples {
		v, rejected := f.Admit(s, now)
		require.False(t, rejected)
		require.Equal(t, s, v)
	}
	v, rejected := f.Admit(100000, now)
	require.True(t, rejected)
	require.Equal(t, 100.0, v)
}

func TestMovingStatFilterMeanAndMedian(t *testing.T) {
	mf := NewMovingStatFilter(3, ReducerMean)
	mf.Add(1)
	mf.Add(2)
	mf.Add(3)
	require.Equal(t, 2.0, mf.Value())

	medf := NewMovingStatFilter(3, ReducerMedian)
	medf.Add(10)
	medf.Add(1)
	medf.Add(5)
	require.Equal(t, 5.0, medf.Value())
}

func TestFindBestClockPrefersLockedOverHoldover(t *testing.T) {
	r := NewRegistry()
	locked := newTestDriver("locked")
	locked.state = StateLocked
	holdover := newTestDriver("holdover")
	holdover.state = StateHoldover
	require.NoError(t, r.Add(locked))
	require.NoError(t, r.Add(holdover))
	require.Equal(t, locked, r.findBestClock())
}

func TestFindBestClockPrefersLowerRefClass(t *testing.T) {
	r := NewRegistry()
	good := newTestDriver("good")
	good.state = StateLocked
	good.SetExternalReference("gnss0", 6)
	bad := newTestDriver("bad")
	bad.state = StateLocked
	bad.SetExternalReference("gnss1", 100)
	require.NoError(t, r.Add(good))
	require.NoError(t, r.Add(bad))
	require.Equal(t, good, r.findBestClock())
}

func TestFindBestClockExcludesDisabled(t *testing.T) {
	r := NewRegistry()
	d := newTestDriver("d0")
	d.state = StateLocked
	d.Config.Disabled = true
	require.NoError(t, r.Add(d))
	require.Nil(t, r.findBestClock())
}
