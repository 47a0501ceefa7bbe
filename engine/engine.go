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

// Package engine is the single-threaded, cooperatively scheduled owning
// task described in spec.md §5: it ticks the PTP Engine's ports, the Clock
// Driver Registry, and the Timing Domain Arbitrator at their configured
// rates, polls an injected transport for incoming datagrams with a timeout
// equal to the next timer deadline, and captures signals into atomic flags
// serviced only at the top of each iteration.
//
// Grounded on fbclock/daemon/daemon.go's Run(ctx) (the
// "time.NewTicker + for ; true; <-ticker.C" shape, reused here as the
// fallback sleep when no transport is wired) and on
// original_source/trunk/src/dep/startup.c's catch_signals/do_signal_sighup
// pattern: sig_atomic_t flags set by the handler, drained once per loop
// turn, translated to Go as sync/atomic flags set from a dedicated
// goroutine reading os/signal's channel (cmd/ntpresponder/main.go's
// signal.Notify(sigStop, syscall.SIGINT/SIGQUIT/SIGTERM) shape).
package engine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// PortTicker is the narrow view Engine needs of a ptpengine.Port: advance
// its protocol timers by elapsed. Satisfied by *ptpengine.Port.
type PortTicker interface {
	Tick(now time.Time, elapsed time.Duration)
}

// ClockDriverRegistry is the narrow view Engine needs of the CDR: run one
// election/update tick, and force every driver to step immediately
// (SIGUSR1's "force manual clock step", spec.md §5). Satisfied by
// *clockdriver.Registry.
type ClockDriverRegistry interface {
	UpdateClockDrivers(interval time.Duration)
	StepAll()
}

// TimingDomain is the narrow view Engine needs of the TDA: run one
// arbitration tick. Satisfied by *tda.Domain.
type TimingDomain interface {
	Update(elapsed time.Duration)
}

// Transport is the narrow capability Engine needs from whatever owns the
// event/general sockets: block for at most timeout waiting for an incoming
// datagram, dispatch it to the owning port's Handle* method, and return.
// Grounded on spec.md §5's "suspension points: blocking reads on the
// event/general sockets, guarded by a readiness multiplexer with a timeout
// equal to the next timer deadline" — Engine supplies that timeout every
// iteration; the multiplexer itself is an external collaborator (wired up
// in cmd/ptpdcore), exactly as the CLI is named an external collaborator
// for configuration in spec.md §6.
type Transport interface {
	Poll(timeout time.Duration) error
}

// minDeadline is the floor on the computed suspension timeout, preventing a
// busy loop if every interval happens to already be due.
const minDeadline = 10 * time.Millisecond

// Config holds the three tick rates spec.md §5 names explicitly.
type Config struct {
	// CDRInterval is the Clock Driver Registry's update rate (default 1Hz).
	CDRInterval time.Duration
	// TDAInterval is the Timing Domain Arbitrator's update rate (default 1Hz).
	TDAInterval time.Duration
	// BaseTick bounds the maximum suspension time between loop iterations
	// even when no port/CDR/TDA deadline is sooner, so ports still see
	// reasonably granular Tick calls when driven by the fallback sleep.
	BaseTick time.Duration
}

// Engine is the single owning task that ticks ports, the CDR and the TDA.
type Engine struct {
	cfg Config

	ports    []PortTicker
	registry ClockDriverRegistry
	domain   TimingDomain

	// Transport, if non-nil, is polled every iteration instead of sleeping
	// on a plain timer; see the Transport doc comment.
	Transport Transport

	// ReopenLogs is invoked on SIGHUP (spec.md §6's "reopen logs and
	// reparse leap file"). Left nil is a no-op.
	ReopenLogs func() error

	cdrElapsed time.Duration
	tdaElapsed time.Duration

	verbose bool
	sig     signalFlags
}

// New builds an Engine driving ports, registry, and domain at the rates in
// cfg. Any of registry/domain may be nil if that subsystem isn't in use.
func New(cfg Config, ports []PortTicker, registry ClockDriverRegistry, domain TimingDomain) *Engine {
	if cfg.CDRInterval <= 0 {
		cfg.CDRInterval = time.Second
	}
	if cfg.TDAInterval <= 0 {
		cfg.TDAInterval = time.Second
	}
	if cfg.BaseTick <= 0 {
		cfg.BaseTick = 100 * time.Millisecond
	}
	return &Engine{
		cfg:      cfg,
		ports:    ports,
		registry: registry,
		domain:   domain,
	}
}

// Run is the single owning task: it blocks until ctx is cancelled or a
// shutdown signal is handled, driving every tick in between. Only one Run
// per Engine may execute at a time; Engine is not safe to Run concurrently
// with itself, matching the single-threaded model spec.md §5 describes.
func (e *Engine) Run(ctx context.Context) error {
	e.sig.install()
	defer e.sig.stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if e.sig.shutdownRequested() {
			log.WithField("component", "engine").Warning("shutting down on signal")
			return nil
		}
		e.handleSignals()

		now := time.Now()
		elapsed := now.Sub(last)
		last = now

		e.tick(now, elapsed)

		timeout := e.nextDeadline()
		if e.Transport != nil {
			if err := e.Transport.Poll(timeout); err != nil {
				log.WithFields(log.Fields{"component": "engine", "error": err}).Warning("transport poll failed")
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(timeout):
		}
	}
}

// tick advances every subsystem due this iteration: ports tick every
// iteration (they own their own integer countdowns per spec.md §5), CDR
// and TDA tick on their own configured interval.
func (e *Engine) tick(now time.Time, elapsed time.Duration) {
	for _, p := range e.ports {
		p.Tick(now, elapsed)
	}

	if e.registry != nil {
		e.cdrElapsed += elapsed
		if e.cdrElapsed >= e.cfg.CDRInterval {
			e.registry.UpdateClockDrivers(e.cfg.CDRInterval)
			e.cdrElapsed = 0
		}
	}

	if e.domain != nil {
		e.tdaElapsed += elapsed
		if e.tdaElapsed >= e.cfg.TDAInterval {
			e.domain.Update(e.cfg.TDAInterval)
			e.tdaElapsed = 0
		}
	}
}

// nextDeadline computes how long the loop may suspend before some
// subsystem's next due tick, floored at minDeadline and capped at
// cfg.BaseTick.
func (e *Engine) nextDeadline() time.Duration {
	deadline := e.cfg.BaseTick

	if e.registry != nil {
		if left := e.cfg.CDRInterval - e.cdrElapsed; left < deadline {
			deadline = left
		}
	}
	if e.domain != nil {
		if left := e.cfg.TDAInterval - e.tdaElapsed; left < deadline {
			deadline = left
		}
	}
	if deadline < minDeadline {
		deadline = minDeadline
	}
	return deadline
}

// handleSignals services SIGHUP/SIGUSR1/SIGUSR2 exactly once per loop
// iteration, per spec.md §5's "polled at the top of each scheduler
// iteration". SIGINT/SIGQUIT/SIGTERM are handled separately by
// shutdownRequested since they end the loop rather than act within it.
func (e *Engine) handleSignals() {
	if e.sig.takeReopenLogs() {
		log.WithField("component", "engine").Info("SIGHUP: reopening logs")
		if e.ReopenLogs != nil {
			if err := e.ReopenLogs(); err != nil {
				log.WithFields(log.Fields{"component": "engine", "error": err}).Warning("reopening logs failed")
			}
		}
	}
	if e.sig.takeForceStep() {
		log.WithField("component", "engine").Warning("SIGUSR1: forcing manual clock step")
		if e.registry != nil {
			e.registry.StepAll()
		}
	}
	if e.sig.takeCycleVerbosity() {
		e.verbose = !e.verbose
		if e.verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		log.WithFields(log.Fields{"component": "engine", "verbose": e.verbose}).Info("SIGUSR2: cycled debug verbosity")
	}
}
