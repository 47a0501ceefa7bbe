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

// Package tda implements the Timing Domain Arbitrator (spec.md §4.5): a
// small BMC-like election between Timing Services (currently PTP and NTP)
// competing to control the same physical clock, each modeled as a tiny
// flag-driven state machine.
//
// Grounded on original_source/src/timingdomain.{c,h} (TimingService/
// TimingDomain), reworked from the C flag-bitset-plus-function-pointer
// struct into a Go interface (Service) plus a Domain that owns the mutable
// per-service bookkeeping the interface itself doesn't carry.
package tda

import "fmt"

// Flag is the per-service status bitset from timingdomain.h.
type Flag uint8

const (
	FlagOperational Flag = 1 << iota // functioning
	FlagAvailable                    // ready to control the clock
	FlagInControl                    // has been granted clock control
	FlagIdle                         // not showing clock activity
	FlagHold                         // election-hold timer running
)

func (f Flag) has(bit Flag) bool { return f&bit == bit }

// ServiceType ranks the kind of timing service; lower sorts better in
// ServiceDS comparison, mirroring timingdomain.h's TimingServiceType.
type ServiceType uint8

const (
	ServiceTypePTP   ServiceType = 0x10
	ServiceTypePPS   ServiceType = 0x20
	ServiceTypeGPS   ServiceType = 0x30
	ServiceTypeNTP   ServiceType = 0x40
	ServiceTypeOther ServiceType = 0xfe
)

// ServiceDS is the comparable data set used for election, the Go
// counterpart of TimingServiceDS.
type ServiceDS struct {
	Priority1 uint8
	Type      ServiceType
	Priority2 uint8
}

// ReleaseReason names why a service was told to release clock control, per
// spec.md §4.5's "Reasons for release".
type ReleaseReason int

const (
	ReasonNone ReleaseReason = iota
	ReasonIdle
	ReasonElection
	ReasonCtrlNotBest
	ReasonEligible
)

func (r ReleaseReason) String() string {
	switch r {
	case ReasonIdle:
		return "idle"
	case ReasonElection:
		return "election"
	case ReasonCtrlNotBest:
		return "in control but not elected"
	case ReasonEligible:
		return "no longer eligible"
	default:
		return "none"
	}
}

// Service is one timing source competing for clock control: PTP, NTP, or
// any future source. Domain owns the flag bookkeeping; a Service only
// reports its own dataset and current status, and executes the
// acquire/release/update/clockUpdate actions asked of it.
//
// Grounded on TimingService's init/shutdown/acquire/release/update/
// clockUpdate function-pointer quintet.
type Service interface {
	// ID names the service for logging, e.g. "ptp-eth0" or "ntp".
	ID() string
	// DataSet returns the service's current election parameters.
	DataSet() ServiceDS
	// Init prepares the service. Called once, at domain startup.
	Init() error
	// Shutdown tears the service down. Called once, at domain stop.
	Shutdown() error
	// Update is the heartbeat: refresh operational/available/activity
	// status ahead of this tick's election. Returns the status observed.
	Update() Status
	// Acquire is called when this service has been elected and should
	// start controlling the clock.
	Acquire() error
	// Release is called when this service must stop controlling the
	// clock, with the reason for the logs.
	Release(reason ReleaseReason) error
	// ClockUpdate lets an in-control service push ancillary clock state
	// (UTC offset, leap flags) to the clock source. Called every tick
	// the service remains in control.
	ClockUpdate() error
}

// Status is what Update reports back to Domain about one service's
// instantaneous condition, replacing direct bitset mutation from the C
// service callbacks with an explicit return value.
type Status struct {
	Operational bool
	Available   bool
	Activity    bool // true if this service drove the clock since the last tick
}

func (e *entry) applyStatus(s Status) {
	if s.Operational {
		e.flags |= FlagOperational
	} else {
		e.flags &^= FlagOperational
	}
	if s.Available {
		e.flags |= FlagAvailable
	} else {
		e.flags &^= FlagAvailable
	}
	e.activity = s.Activity
}

// compareServices implements cmpTimingService: lower Priority1 wins, then
// lower Type, then lower Priority2. When usableOnly is true, operational
// and available status are compared first (operational/available always
// beats not). Returns >0 if a is better than b.
func compareServices(a, b *entry, usableOnly bool) int {
	if usableOnly {
		if c := cmpBool(a.flags.has(FlagOperational), b.flags.has(FlagOperational)); c != 0 {
			return c
		}
		if c := cmpBool(a.flags.has(FlagAvailable), b.flags.has(FlagAvailable)); c != 0 {
			return c
		}
	}
	da, db := a.svc.DataSet(), b.svc.DataSet()
	if c := cmpLowerWins(da.Priority1, db.Priority1); c != 0 {
		return c
	}
	if c := cmpLowerWins(uint8(da.Type), uint8(db.Type)); c != 0 {
		return c
	}
	return cmpLowerWins(da.Priority2, db.Priority2)
}

func cmpLowerWins(a, b uint8) int {
	switch {
	case a < b:
		return 1
	case a > b:
		return -1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	switch {
	case a && !b:
		return 1
	case !a && b:
		return -1
	default:
		return 0
	}
}

func (ds ServiceDS) String() string {
	return fmt.Sprintf("p1=%d type=%#x p2=%d", ds.Priority1, ds.Type, ds.Priority2)
}
