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

package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePort struct {
	ticks int32
}

func (f *fakePort) Tick(now time.Time, elapsed time.Duration) {
	atomic.AddInt32(&f.ticks, 1)
}

type fakeRegistry struct {
	updates int32
	steps   int32
}

func (f *fakeRegistry) UpdateClockDrivers(interval time.Duration) {
	atomic.AddInt32(&f.updates, 1)
}
func (f *fakeRegistry) StepAll() {
	atomic.AddInt32(&f.steps, 1)
}

type fakeDomain struct {
	updates int32
}

func (f *fakeDomain) Update(elapsed time.Duration) {
	atomic.AddInt32(&f.updates, 1)
}

func TestTickAdvancesPortsEveryCall(t *testing.T) {
	port := &fakePort{}
	e := New(Config{CDRInterval: time.Second, TDAInterval: time.Second}, []PortTicker{port}, nil, nil)

	e.tick(time.Now(), 10*time.Millisecond)
	e.tick(time.Now(), 10*time.Millisecond)

	require.EqualValues(t, 2, port.ticks)
}

func TestTickFiresRegistryOnlyOnceIntervalAccumulates(t *testing.T) {
	reg := &fakeRegistry{}
	e := New(Config{CDRInterval: 100 * time.Millisecond, TDAInterval: time.Second}, nil, reg, nil)

	e.tick(time.Now(), 40*time.Millisecond)
	require.EqualValues(t, 0, reg.updates)
	e.tick(time.Now(), 40*time.Millisecond)
	require.EqualValues(t, 0, reg.updates)
	e.tick(time.Now(), 40*time.Millisecond)
	require.EqualValues(t, 1, reg.updates)
	require.Equal(t, time.Duration(0), e.cdrElapsed)
}

func TestTickFiresDomainOnItsOwnInterval(t *testing.T) {
	dom := &fakeDomain{}
	e := New(Config{CDRInterval: time.Second, TDAInterval: 50 * time.Millisecond}, nil, nil, dom)

	e.tick(time.Now(), 30*time.Millisecond)
	require.EqualValues(t, 0, dom.updates)
	e.tick(time.Now(), 30*time.Millisecond)
	require.EqualValues(t, 1, dom.updates)
}

func TestNextDeadlineClampsToSmallestDueInterval(t *testing.T) {
	reg := &fakeRegistry{}
	dom := &fakeDomain{}
	e := New(Config{CDRInterval: 200 * time.Millisecond, TDAInterval: 50 * time.Millisecond, BaseTick: time.Second}, nil, reg, dom)

	e.cdrElapsed = 150 * time.Millisecond // 50ms left
	e.tdaElapsed = 40 * time.Millisecond  // 10ms left, but floored at minDeadline

	require.Equal(t, minDeadline, e.nextDeadline())
}

func TestNextDeadlineFallsBackToBaseTickWithNoSubsystems(t *testing.T) {
	e := New(Config{BaseTick: 250 * time.Millisecond}, nil, nil, nil)
	require.Equal(t, 250*time.Millisecond, e.nextDeadline())
}

func TestHandleSignalsForceStepDrivesRegistry(t *testing.T) {
	reg := &fakeRegistry{}
	e := New(Config{}, nil, reg, nil)

	atomic.StoreInt32(&e.sig.forceStep, 1)
	e.handleSignals()

	require.EqualValues(t, 1, reg.steps)
	require.False(t, e.sig.takeForceStep())
}

func TestHandleSignalsReopenLogsCallsHook(t *testing.T) {
	e := New(Config{}, nil, nil, nil)
	var called int32
	e.ReopenLogs = func() error {
		atomic.AddInt32(&called, 1)
		return nil
	}

	atomic.StoreInt32(&e.sig.reopenLogs, 1)
	e.handleSignals()

	require.EqualValues(t, 1, called)
}

func TestHandleSignalsCycleVerbosityTogglesTwice(t *testing.T) {
	e := New(Config{}, nil, nil, nil)
	require.False(t, e.verbose)

	atomic.StoreInt32(&e.sig.cycleVerbosity, 1)
	e.handleSignals()
	require.True(t, e.verbose)

	atomic.StoreInt32(&e.sig.cycleVerbosity, 1)
	e.handleSignals()
	require.False(t, e.verbose)
}

type fakeTransport struct {
	polls int32
}

func (f *fakeTransport) Poll(timeout time.Duration) error {
	atomic.AddInt32(&f.polls, 1)
	time.Sleep(time.Millisecond)
	return nil
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	port := &fakePort{}
	reg := &fakeRegistry{}
	dom := &fakeDomain{}
	transport := &fakeTransport{}

	e := New(Config{CDRInterval: 20 * time.Millisecond, TDAInterval: 20 * time.Millisecond, BaseTick: 5 * time.Millisecond},
		[]PortTicker{port}, reg, dom)
	e.Transport = transport

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := e.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Greater(t, int(port.ticks), 0)
	require.Greater(t, int(transport.polls), 0)
}

func TestRunStopsOnShutdownSignalFlag(t *testing.T) {
	e := New(Config{BaseTick: 5 * time.Millisecond}, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- e.Run(context.Background())
	}()

	// simulate the signal pump having observed SIGTERM, without actually
	// sending a process signal from the test.
	time.Sleep(5 * time.Millisecond)
	atomic.StoreInt32(&e.sig.shutdown, 1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after shutdown flag was set")
	}
}
