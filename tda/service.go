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
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const maxServices = 16

// entry is Domain's private bookkeeping for one registered Service: the
// mutable flags/timers the C struct kept inline on TimingService, kept out
// of the Service interface so implementations stay pure reporters.
type entry struct {
	svc Service

	flags        Flag
	idleTime     time.Duration
	minIdleTime  time.Duration
	timeout      time.Duration
	holdTime     time.Duration
	holdTimeLeft time.Duration
	updateEvery  time.Duration
	sinceUpdate  time.Duration

	activity bool
	released bool
}

// Domain arbitrates clock control across up to 16 registered Services, per
// spec.md §4.5 / timingdomain.c's timingDomainUpdate.
type Domain struct {
	services []*entry

	current *entry
	best    *entry
	preferred *entry

	updateInterval time.Duration
	electionDelay  time.Duration
	electionLeft   time.Duration

	noneAvailable bool

	availableCount   int
	operationalCount int
	idleCount        int
	controlCount     int
}

// NewDomain builds a Domain. updateInterval is the arbitration tick period
// (spec.md §5 default 1Hz); electionDelay is how long a handover holds
// before the new best may acquire, preventing flapping.
func NewDomain(updateInterval, electionDelay time.Duration) *Domain {
	return &Domain{
		updateInterval: updateInterval,
		electionDelay:  electionDelay,
	}
}

// AddService registers a Service with its idle/hold timing parameters.
// minIdleTime/timeout/holdTime are per timingdomain.h's identically named
// TimingService fields: a service is declared idle only after timeout of
// no activity (but never before minIdleTime), and a released in-control
// service keeps a soft claim on the clock for holdTime before fully
// relinquishing availability.
func (d *Domain) AddService(svc Service, minIdleTime, timeout, holdTime, updateEvery time.Duration) error {
	if len(d.services) >= maxServices {
		return fmt.Errorf("tda: domain already holds the maximum of %d services", maxServices)
	}
	d.services = append(d.services, &entry{
		svc:         svc,
		minIdleTime: minIdleTime,
		timeout:     timeout,
		holdTime:    holdTime,
		updateEvery: updateEvery,
	})
	return nil
}

// Init starts every registered service in registration order.
func (d *Domain) Init() error {
	for _, e := range d.services {
		if err := e.svc.Init(); err != nil {
			return fmt.Errorf("tda: starting service %s: %w", e.svc.ID(), err)
		}
	}
	d.current = nil
	d.best = nil
	d.preferred = nil
	return nil
}

// Shutdown stops every registered service in reverse registration order.
func (d *Domain) Shutdown() {
	for i := len(d.services) - 1; i >= 0; i-- {
		e := d.services[i]
		if err := e.svc.Shutdown(); err != nil {
			log.WithFields(log.Fields{"component": "tda", "service": e.svc.ID(), "error": err}).Warning("service shutdown failed")
		}
	}
}

// Update runs one arbitration tick: age the election hold, refresh each
// due service's status and release idle/ineligible ones, elect a new best
// if warranted, release anything in control that is no longer best, tally
// counters, and finally acquire/clockUpdate on the winner.
//
// Grounded on timingDomainUpdate's four-pass structure, kept as four
// passes here too since each pass depends on the previous one having
// settled every service's flags for this tick.
func (d *Domain) Update(elapsed time.Duration) {
	if d.electionLeft > 0 {
		d.electionLeft -= elapsed
		if d.electionLeft < 0 {
			d.electionLeft = 0
		}
	}
	if len(d.services) == 0 {
		return
	}

	d.updateDueServices(elapsed)
	d.electBest()
	d.releaseNonBestInControl()
	d.tallyCounters()
	d.driveCurrent()
}

// updateDueServices is pass one: call Update on every service whose own
// interval has elapsed, fold activity into idle/hold bookkeeping, and
// release a current service that has gone idle.
func (d *Domain) updateDueServices(elapsed time.Duration) {
	for _, e := range d.services {
		if e.holdTimeLeft > 0 {
			e.holdTimeLeft -= elapsed
			if e.holdTimeLeft < 0 {
				e.holdTimeLeft = 0
			}
		}

		e.sinceUpdate += elapsed
		if e.sinceUpdate < e.updateEvery {
			continue
		}
		e.sinceUpdate = 0

		status := e.svc.Update()
		e.applyStatus(status)

		if !e.flags.has(FlagOperational) {
			continue
		}

		if e.activity {
			if e.flags.has(FlagIdle) {
				log.WithFields(log.Fields{"component": "tda", "service": e.svc.ID()}).Info("no longer idle")
			}
			e.flags &^= FlagIdle
			e.idleTime = 0
		} else {
			e.idleTime += elapsed
		}

		if e.flags.has(FlagAvailable) && !e.flags.has(FlagHold) &&
			e.idleTime > e.minIdleTime && e.idleTime > e.timeout {
			e.idleTime = 0
			if !e.flags.has(FlagIdle) {
				log.WithFields(log.Fields{"component": "tda", "service": e.svc.ID()}).Info("has gone idle")
				if e == d.current {
					e.holdTimeLeft = e.holdTime
				}
			}
			e.flags |= FlagIdle
			if e == d.current && e.holdTimeLeft <= 0 {
				d.release(e, ReasonIdle)
				d.electionLeft = d.electionDelay
				d.current = nil
			}
		}

		// inoperational or unavailable while in control: release
		if (!e.flags.has(FlagAvailable) || !e.flags.has(FlagOperational)) && e.flags.has(FlagInControl) && e.holdTimeLeft <= 0 {
			d.release(e, ReasonEligible)
			if e == d.current {
				d.electionLeft = d.electionDelay
				d.current = nil
			}
		}
	}
}

// electBest is pass two: recompute best (usable-only compare) and
// preferred (dataset-only compare), and hand control over if best changed
// and the election hold has expired.
func (d *Domain) electBest() {
	best := d.services[0]
	preferred := d.services[0]
	for _, e := range d.services {
		if compareServices(e, best, true) >= 0 {
			best = e
		}
		if compareServices(e, preferred, false) > 0 {
			preferred = e
		}
	}
	d.best = best
	d.preferred = preferred

	if best == d.current || d.electionLeft > 0 {
		return
	}

	if d.current != nil && d.current.holdTimeLeft <= 0 {
		d.release(d.current, ReasonElection)
		d.electionLeft = d.electionDelay
		d.current = nil
		return
	}

	if best.flags.has(FlagOperational) && best.flags.has(FlagAvailable) {
		d.current = best
		log.WithFields(log.Fields{"component": "tda", "service": best.svc.ID()}).Info("elected best timing service")
	} else {
		d.current = nil
		d.best = nil
	}
}

// releaseNonBestInControl is pass three: anything still marked in-control
// that isn't the elected current service gets released, on its own due
// tick (service.updateEvery), matching the CTRL_NOT_BEST catch-all.
func (d *Domain) releaseNonBestInControl() {
	for _, e := range d.services {
		if e == d.current || !e.flags.has(FlagInControl) {
			continue
		}
		if e.sinceUpdate != 0 {
			continue
		}
		if e.holdTimeLeft <= 0 {
			d.release(e, ReasonCtrlNotBest)
			e.released = false
		}
	}
}

func (d *Domain) tallyCounters() {
	d.availableCount, d.operationalCount, d.idleCount, d.controlCount = 0, 0, 0, 0
	for _, e := range d.services {
		if e.flags.has(FlagOperational) {
			d.operationalCount++
		}
		if e.flags.has(FlagAvailable) {
			d.availableCount++
		}
		if e.flags.has(FlagIdle) {
			d.idleCount++
		}
		if e.flags.has(FlagInControl) {
			d.controlCount++
		}
	}
	if len(d.services) == 1 && d.current == nil {
		d.best = nil
	}
}

// driveCurrent is pass four: acquire control for a newly-elected, not yet
// in-control service, warn once if nothing is available, and let the
// in-control service push ancillary clock state.
func (d *Domain) driveCurrent() {
	best := d.best
	if best == nil {
		d.warnNoneAvailableOnce("no timing service available")
		d.current = nil
		return
	}
	if !best.flags.has(FlagOperational) {
		d.warnNoneAvailableOnce("no operational timing service available")
		d.current = nil
		return
	}
	if !best.flags.has(FlagAvailable) {
		d.warnNoneAvailableOnce("no timing service available for clock sync")
		d.current = nil
		return
	}
	d.noneAvailable = false

	if !best.flags.has(FlagInControl) && d.electionLeft == 0 {
		best.released = false
		if err := best.svc.Acquire(); err != nil {
			log.WithFields(log.Fields{"component": "tda", "service": best.svc.ID(), "error": err}).Warning("failed to acquire clock control")
		} else {
			best.flags |= FlagInControl
		}
	}

	if best.flags.has(FlagInControl) {
		if err := best.svc.ClockUpdate(); err != nil {
			log.WithFields(log.Fields{"component": "tda", "service": best.svc.ID(), "error": err}).Warning("clock update failed")
		}
	}
}

func (d *Domain) warnNoneAvailableOnce(msg string) {
	if !d.noneAvailable {
		log.WithField("component", "tda").Warning(msg)
	}
	d.noneAvailable = true
}

func (d *Domain) release(e *entry, reason ReleaseReason) {
	if err := e.svc.Release(reason); err != nil {
		log.WithFields(log.Fields{"component": "tda", "service": e.svc.ID(), "error": err, "reason": reason}).Warning("failed to release clock control")
		return
	}
	e.flags &^= FlagInControl
	if !e.released {
		log.WithFields(log.Fields{"component": "tda", "service": e.svc.ID(), "reason": reason.String()}).Info("released clock control")
	}
	e.released = true
}

// Current returns the ID of the service currently holding clock control,
// or "" if none.
func (d *Domain) Current() string {
	if d.current == nil {
		return ""
	}
	return d.current.svc.ID()
}

// Counters reports the four tallies from the last Update, for status
// reporting/metrics.
func (d *Domain) Counters() (available, operational, idle, inControl int) {
	return d.availableCount, d.operationalCount, d.idleCount, d.controlCount
}
