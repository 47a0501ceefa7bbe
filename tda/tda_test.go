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

package tda

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ptp "github.com/tickwell/ptpd/ptp/protocol"
)

type fakeService struct {
	id            string
	ds            ServiceDS
	status        Status
	acquireCount  int
	releaseCount  int
	lastRelease   ReleaseReason
	acquireErr    error
}

func (f *fakeService) ID() string         { return f.id }
func (f *fakeService) DataSet() ServiceDS { return f.ds }
func (f *fakeService) Init() error        { return nil }
func (f *fakeService) Shutdown() error    { return nil }
func (f *fakeService) Update() Status     { return f.status }
func (f *fakeService) Acquire() error {
	f.acquireCount++
	return f.acquireErr
}
func (f *fakeService) Release(reason ReleaseReason) error {
	f.releaseCount++
	f.lastRelease = reason
	return nil
}
func (f *fakeService) ClockUpdate() error { return nil }

func newDomain() *Domain {
	return NewDomain(time.Second, 2*time.Second)
}

func TestDomainElectsLowerPriority1(t *testing.T) {
	d := newDomain()
	good := &fakeService{id: "good", ds: ServiceDS{Priority1: 1, Type: ServiceTypePTP}, status: Status{Operational: true, Available: true}}
	bad := &fakeService{id: "bad", ds: ServiceDS{Priority1: 200, Type: ServiceTypeNTP}, status: Status{Operational: true, Available: true}}
	require.NoError(t, d.AddService(good, 0, time.Minute, time.Minute, time.Second))
	require.NoError(t, d.AddService(bad, 0, time.Minute, time.Minute, time.Second))
	require.NoError(t, d.Init())

	d.Update(time.Second)
	require.Equal(t, "good", d.Current())
	require.Equal(t, 1, good.acquireCount)
	require.Equal(t, 0, bad.acquireCount)
}

func TestDomainIgnoresUnavailableService(t *testing.T) {
	d := newDomain()
	unavailable := &fakeService{id: "primary", ds: ServiceDS{Priority1: 1, Type: ServiceTypePTP}, status: Status{Operational: true, Available: false}}
	fallback := &fakeService{id: "fallback", ds: ServiceDS{Priority1: 200, Type: ServiceTypeNTP}, status: Status{Operational: true, Available: true}}
	require.NoError(t, d.AddService(unavailable, 0, time.Minute, time.Minute, time.Second))
	require.NoError(t, d.AddService(fallback, 0, time.Minute, time.Minute, time.Second))
	require.NoError(t, d.Init())

	d.Update(time.Second)
	require.Equal(t, "fallback", d.Current())
}

func TestDomainNoneAvailableLeavesCurrentNil(t *testing.T) {
	d := newDomain()
	down := &fakeService{id: "down", ds: ServiceDS{Priority1: 1, Type: ServiceTypePTP}, status: Status{Operational: false}}
	require.NoError(t, d.AddService(down, 0, time.Minute, time.Minute, time.Second))
	require.NoError(t, d.Init())

	d.Update(time.Second)
	require.Equal(t, "", d.Current())
}

func TestDomainElectionHoldDelaysHandover(t *testing.T) {
	d := newDomain()
	a := &fakeService{id: "a", ds: ServiceDS{Priority1: 1, Type: ServiceTypePTP}, status: Status{Operational: true, Available: true, Activity: true}}
	require.NoError(t, d.AddService(a, 0, time.Minute, time.Minute, time.Second))
	require.NoError(t, d.Init())
	d.Update(time.Second)
	require.Equal(t, "a", d.Current())

	b := &fakeService{id: "b", ds: ServiceDS{Priority1: 0, Type: ServiceTypePTP}, status: Status{Operational: true, Available: true, Activity: true}}
	require.NoError(t, d.AddService(b, 0, time.Minute, time.Minute, time.Second))

	// b is now strictly better; the first tick after that should release
	// a (reason ELECTION) and start the hold instead of handing over
	// immediately.
	d.Update(time.Second)
	require.Equal(t, "", d.Current())
	require.Equal(t, 1, a.releaseCount)
	require.Equal(t, ReasonElection, a.lastRelease)
	require.Equal(t, 0, b.acquireCount)

	// hold is 2s; after it drains, b should take over.
	d.Update(time.Second)
	d.Update(2 * time.Second)
	require.Equal(t, "b", d.Current())
	require.Equal(t, 1, b.acquireCount)
}

func TestDomainGoesIdleAndReleases(t *testing.T) {
	d := newDomain()
	a := &fakeService{id: "a", ds: ServiceDS{Priority1: 1, Type: ServiceTypePTP}, status: Status{Operational: true, Available: true, Activity: true}}
	require.NoError(t, d.AddService(a, 0, 3*time.Second, 0, time.Second))
	require.NoError(t, d.Init())
	d.Update(time.Second)
	require.Equal(t, "a", d.Current())

	a.status = Status{Operational: true, Available: true, Activity: false}
	for i := 0; i < 5; i++ {
		d.Update(time.Second)
	}
	require.Equal(t, ReasonIdle, a.lastRelease)
}

func TestCompareServicesUsableOnlyPrefersOperationalAvailable(t *testing.T) {
	a := &entry{svc: &fakeService{ds: ServiceDS{Priority1: 200}}, flags: FlagOperational | FlagAvailable}
	b := &entry{svc: &fakeService{ds: ServiceDS{Priority1: 1}}, flags: 0}
	require.Greater(t, compareServices(a, b, true), 0)
}

func TestCompareServicesDatasetOnlyIgnoresAvailability(t *testing.T) {
	a := &entry{svc: &fakeService{ds: ServiceDS{Priority1: 1}}, flags: 0}
	b := &entry{svc: &fakeService{ds: ServiceDS{Priority1: 200}}, flags: FlagOperational | FlagAvailable}
	require.Greater(t, compareServices(a, b, false), 0)
}

type fakePTPPort struct{ state ptp.PortState }

func (f *fakePTPPort) State() ptp.PortState { return f.state }

func TestPTPServiceReflectsPortState(t *testing.T) {
	port := &fakePTPPort{}
	svc := NewPTPService("ptp0", port, 128, 128)

	port.state = ptp.PortStateInitializing
	status := svc.Update()
	require.False(t, status.Operational)
	require.False(t, status.Available)

	port.state = ptp.PortStateSlave
	status = svc.Update()
	require.True(t, status.Operational)
	require.True(t, status.Available)
}

func TestPTPServiceActivityConsumedOnce(t *testing.T) {
	port := &fakePTPPort{state: ptp.PortStateSlave}
	svc := NewPTPService("ptp0", port, 128, 128)
	svc.NotifyActivity()

	require.True(t, svc.Update().Activity)
	require.False(t, svc.Update().Activity)
}
