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
	"sync/atomic"

	ptp "github.com/tickwell/ptpd/ptp/protocol"
)

// PTPPort is the narrow view PTPService needs of a ptpengine.Port, kept as
// an interface so tda never imports ptpengine (spec.md §2's layering runs
// PE -> CDR and TDA -> {PE,NTP}, never the reverse).
type PTPPort interface {
	State() ptp.PortState
}

// PTPService adapts a PTP port into a tda.Service, per spec.md §4.5's "PTP
// service semantics": operational iff port state is not INITIALIZING/
// FAULTY; available iff port state is SLAVE and the associated clock
// driver reports itself ready to be disciplined; in-control iff this
// service was granted control by the domain.
//
// Grounded on timingdomain.c's ptpService{Init,Shutdown,Acquire,Release,
// Update,ClockUpdate}, replacing its direct PtpClock->clockControl struct
// field pokes with an explicit ClockAvailable callback and a granted flag
// this adapter owns, since ptpengine.Port has no dependency on tda.
type PTPService struct {
	id   string
	port PTPPort
	ds   ServiceDS

	// ClockAvailable reports whether the clock driver backing this port
	// is itself ready to be disciplined (e.g. not FAULTY/HWFAULT). nil
	// means "always available once the port is SLAVE".
	ClockAvailable func() bool

	granted  int32 // atomic bool: true once Acquire succeeded and Release hasn't run since
	activity int32 // atomic bool: set by NotifyActivity, consumed and cleared by Update
}

// NewPTPService builds a PTPService for the given port, using priority1/
// priority2 as this service's election parameters (ServiceTypePTP is
// always its ServiceDS.Type).
func NewPTPService(id string, port PTPPort, priority1, priority2 uint8) *PTPService {
	return &PTPService{
		id:   id,
		port: port,
		ds:   ServiceDS{Priority1: priority1, Type: ServiceTypePTP, Priority2: priority2},
	}
}

// NotifyActivity records a clock-affecting update from the engine driving
// this port; consumed by the next Update call as the idle-detection
// heartbeat, per spec.md §4.5's "Activity is a heartbeat set whenever the
// engine ran a successful update."
func (s *PTPService) NotifyActivity() {
	atomic.StoreInt32(&s.activity, 1)
}

// Granted reports whether the domain currently grants this service clock
// control — the signal clockdriver-facing code should check before
// accepting this port's offsets into the servo.
func (s *PTPService) Granted() bool {
	return atomic.LoadInt32(&s.granted) == 1
}

func (s *PTPService) ID() string         { return s.id }
func (s *PTPService) DataSet() ServiceDS { return s.ds }
func (s *PTPService) Init() error        { return nil }
func (s *PTPService) Shutdown() error    { atomic.StoreInt32(&s.granted, 0); return nil }

func (s *PTPService) Acquire() error {
	atomic.StoreInt32(&s.granted, 1)
	return nil
}

func (s *PTPService) Release(ReleaseReason) error {
	atomic.StoreInt32(&s.granted, 0)
	return nil
}

func (s *PTPService) Update() Status {
	state := s.port.State()
	operational := state != ptp.PortStateInitializing && state != ptp.PortStateFaulty

	available := state == ptp.PortStateSlave
	if available && s.ClockAvailable != nil {
		available = s.ClockAvailable()
	}

	activity := atomic.SwapInt32(&s.activity, 0) == 1
	return Status{Operational: operational, Available: available, Activity: activity}
}

// ClockUpdate is a no-op: leap-second/UTC-offset propagation into the
// clock driver happens via ptpengine.Port.applyLeapFlags directly against
// TimePropertiesDS, not through the arbitrator.
func (s *PTPService) ClockUpdate() error { return nil }
