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

// Package clockdriver implements the Clock Driver Registry (CDR): a
// process-wide set of logical clocks, each adapting one physical or virtual
// time source behind a uniform capability set, disciplined by a PI servo and
// elected against each other by findBestClock.
//
// Grounded on original_source/src/libcck/clockdriver.c/.h for the state
// machine and election algorithm, and on the teacher's servo.PiServo/
// servo.PiServoFilter (servo/pi.go) for the discipline math, generalized
// from a single hardcoded PHC-vs-system servo into the CDR's per-driver
// servo instance.
package clockdriver

import (
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tickwell/ptpd/ptptime"
	"github.com/tickwell/ptpd/servo"
)

// backend is the narrow capability a concrete clock source must provide;
// Driver wraps one of these per spec.md's Design Notes §9 tagged-variant
// guidance (small interface, not a class hierarchy).
type backend interface {
	Now() (time.Time, error)
	MonotonicNow() time.Time
	SetTime(time.Time) error
	Step(time.Duration) error
	SetFrequency(ppb float64) error
	Frequency() (float64, error)
	HealthCheck() error
	Name() string
}

// Driver adapts one time source into the CDR's uniform capability set:
// getTime/getTimeMonotonic/setTime/setOffset/stepTime/setFrequency/
// getFrequency/syncClock/syncClockExternal/setReference/
// setExternalReference/healthCheck/putStatsLine/putInfoLine (spec.md §4.2).
type Driver struct {
	mu sync.Mutex

	Kind   Kind
	Config Config

	backend backend

	state       State
	lastState   State
	ageInState  time.Duration
	initialized bool
	healthOK    bool

	refClock *Driver // non-owning back-reference, per spec.md §3
	refName  string
	refClass uint8
	external bool // true if refClock is an externalReference (not another Driver)

	distance int // hop count to the ultimate external reference

	adev *adevAccumulator

	servo      *servo.PiServo
	madFilter  *MADFilter
	statFilter *MovingStatFilter

	lastServoTime    time.Time
	lastFrequencyPPB float64
	lastAbsOffsetNS  int64

	freqEstSum   float64
	freqEstCount int

	onClockDriverChange func(d *Driver, from, to State)
}

// newDriver builds a Driver around a backend with the given config,
// wiring up its servo and filters from cfg.
func newDriver(kind Kind, b backend, cfg Config) *Driver {
	d := &Driver{
		Kind:      kind,
		Config:    cfg,
		backend:   b,
		state:     StateInit,
		lastState: StateInit,
		adev:      newAdevAccumulator(),
		healthOK:  true,
	}
	piCfg := servo.DefaultPiServoCfg()
	piCfg.PiKp = cfg.Servo.KP
	piCfg.PiKi = cfg.Servo.KI
	d.servo = servo.NewPiServo(servo.DefaultServoConfig(), piCfg, 0)
	d.servo.SetMaxFreq(cfg.MaxOutputPPB)
	if cfg.MADMax > 0 {
		d.madFilter = NewMADFilter(cfg.MADWindowSize, cfg.MADMax, cfg.MADDelay, cfg.OutlierBlockTime)
	}
	if cfg.StatFilterSize > 1 {
		d.statFilter = NewMovingStatFilter(cfg.StatFilterSize, cfg.StatFilterReducer)
	}
	return d
}

// Init marks the driver as successfully initialized, moving INIT -> FREERUN
// on the next tick per spec.md §4.2's transition table.
func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Config.Disabled {
		return nil
	}
	d.initialized = true
	return nil
}

// Shutdown tears down the driver. It never returns an error: a clock source
// going away is reported through HealthCheck, not through Shutdown.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = false
}

// State returns the driver's current discipline state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// GetTime reads the driver's current time.
func (d *Driver) GetTime() (ptptime.Time, error) {
	t, err := d.backend.Now()
	if err != nil {
		return ptptime.Zero, fmt.Errorf("clockdriver %s: getTime: %w", d.Config.Name, err)
	}
	return ptptime.FromTime(t), nil
}

// GetTimeMonotonic reads a monotonic timestamp suitable only for computing
// deltas between two such readings.
func (d *Driver) GetTimeMonotonic() ptptime.Time {
	return ptptime.FromMonotonic(d.backend.MonotonicNow())
}

// SetTime sets the clock's wall time outright. Per spec.md §4.2's failure
// semantics, a read-only or disabled driver silently no-ops.
func (d *Driver) SetTime(t ptptime.Time) error {
	if d.Config.ReadOnly || d.Config.Disabled || d.state == StateHWFault {
		return nil
	}
	if t.IsNegative() || t.Sec == 0 {
		log.WithField("driver", d.Config.Name).Warning("setTime refused a non-positive absolute time")
		return nil
	}
	if err := d.backend.SetTime(t.Time()); err != nil {
		return d.fault(fmt.Errorf("setTime: %w", err))
	}
	return nil
}

// StepTime jumps the clock by delta immediately, honoring the NEGSTEP guard
// from spec.md §4.2 ("any -> NEGSTEP | requested backward step of >= 1s when
// negativeStep=false").
func (d *Driver) StepTime(delta ptptime.Time, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Config.ReadOnly || d.Config.Disabled || d.state == StateHWFault {
		return nil
	}
	if delta.Duration() <= -time.Second && !d.Config.NegativeStepOK && !force {
		d.enter(StateNegStep)
		log.WithFields(log.Fields{"driver": d.Config.Name, "delta": delta.String()}).
			Error("refusing backward step of >= 1s without force or negativeStep")
		return fmt.Errorf("clockdriver %s: negative step requires manual intervention", d.Config.Name)
	}
	if err := d.backend.Step(delta.Duration()); err != nil {
		return d.fault(fmt.Errorf("stepTime: %w", err))
	}
	d.enter(StateStep)
	return nil
}

// SetFrequency applies a frequency adjustment in parts-per-billion.
func (d *Driver) SetFrequency(ppb float64) error {
	if d.Config.ReadOnly || d.Config.Disabled || d.state == StateHWFault {
		return nil
	}
	if err := d.backend.SetFrequency(ppb); err != nil {
		return d.fault(fmt.Errorf("setFrequency: %w", err))
	}
	d.lastFrequencyPPB = ppb
	d.adev.Add(ppb)
	return nil
}

// GetFrequency reads back the driver's currently applied frequency offset.
func (d *Driver) GetFrequency() (float64, error) {
	ppb, err := d.backend.Frequency()
	if err != nil {
		return 0, fmt.Errorf("clockdriver %s: getFrequency: %w", d.Config.Name, err)
	}
	return ppb, nil
}

// SetReference associates this driver with another as its synchronization
// source, rejecting the assignment if it would introduce a cycle in the
// reference graph (spec.md §3's "Reference graphs must be acyclic").
func (d *Driver) SetReference(ref *Driver) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ref != nil && reaches(ref, d) {
		return fmt.Errorf("clockdriver %s: setReference to %s would create a reference cycle", d.Config.Name, ref.Config.Name)
	}
	d.refClock = ref
	d.external = false
	if ref != nil {
		d.refName = ref.Config.Name
		d.refClass = ref.Config.Class
	}
	return nil
}

// SetExternalReference records that this driver's time source is an
// external reference not modeled as another Driver (e.g. GNSS, PPS input),
// per spec.md §4.2's setExternalReference(name, class) operation.
func (d *Driver) SetExternalReference(name string, class uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refClock = nil
	d.external = true
	d.refName = name
	d.refClass = class
}

// reaches reports whether start is reachable by following refClock links
// from node, used to reject cycles before they are created.
func reaches(node, start *Driver) bool {
	for n := node; n != nil; n = n.refClock {
		if n == start {
			return true
		}
	}
	return false
}

// HealthCheck runs the driver's private health check and the latching
// HWFAULT transition described in spec.md §4.2.
func (d *Driver) HealthCheck() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.backend.HealthCheck(); err != nil {
		d.healthOK = false
		d.enter(StateHWFault)
		return err
	}
	d.healthOK = true
	return nil
}

func (d *Driver) fault(err error) error {
	d.healthOK = false
	d.enter(StateHWFault)
	log.WithFields(log.Fields{"driver": d.Config.Name, "error": err}).Error("clock fault, entering HWFAULT")
	return err
}

// hasReference reports whether the driver currently has a usable time
// reference, either external or via another Driver.
func (d *Driver) hasReference() bool {
	return d.external || d.refClock != nil
}

// applyFrequencyEstimate applies the FREQEST running estimate as the
// starting frequency when transitioning into TRACKING (spec.md §4.2 step 7).
func (d *Driver) applyFrequencyEstimate() {
	if d.freqEstCount == 0 {
		return
	}
	estimate := d.freqEstSum / float64(d.freqEstCount)
	d.servo.InitLastFreq(estimate)
	d.freqEstSum = 0
	d.freqEstCount = 0
}

// SyncClock runs one full discipline cycle for an offset measured against
// the driver's own reference, using tau as the servo's update interval
// (spec.md §4.2's disciplineClock(offset, tau)).
func (d *Driver) SyncClock(offsetNS int64, tau time.Duration) error {
	return d.disciplineClock(offsetNS, tau)
}

// SyncClockExternal is identical to SyncClock but for an externally supplied
// offset/tau pair (e.g. a TDA-selected NTP source), per spec.md §4.2's
// syncClockExternal(delta, tau) operation.
func (d *Driver) SyncClockExternal(offsetNS int64, tau time.Duration) error {
	return d.disciplineClock(offsetNS, tau)
}

// disciplineClock implements spec.md §4.2's seven-step discipline algorithm.
func (d *Driver) disciplineClock(rawOffset int64, tau time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Config.ReadOnly || d.Config.Disabled || d.state == StateHWFault || d.state == StateStep {
		return nil
	}

	refOffset := rawOffset - d.Config.OffsetCorrection
	if refOffset == 0 {
		d.lastFrequencyPPB = d.servo.MeanFreq()
		return nil
	}

	absOffset := refOffset
	if absOffset < 0 {
		absOffset = -absOffset
	}
	d.lastAbsOffsetNS = absOffset

	const oneSecondNS = int64(time.Second)
	if absOffset >= oneSecondNS && !d.Config.ReadOnly {
		startupPolicy := d.Config.StepPolicy == StepPolicyStartup || d.Config.StepPolicy == StepPolicyStartupForce
		stepAllowed := d.Config.StepPolicy == StepPolicyAlways || (startupPolicy && d.lastServoTime.IsZero())

		if !stepAllowed {
			// stepType=NEVER, or a STARTUP policy past its one allowed
			// step: slew at the configured rate limit instead of
			// stepping (spec.md §4.2 step 3 / §6).
			ppb := d.Config.MaxOutputPPB
			if refOffset < 0 {
				ppb = -ppb
			}
			if err := d.backend.SetFrequency(ppb); err != nil {
				return d.fault(fmt.Errorf("disciplineClock slew: %w", err))
			}
			d.lastFrequencyPPB = ppb
			d.lastServoTime = time.Now()
			d.adev.Add(ppb)
			d.transition(d.hasReference(), d.adev.Value(), true, true, tau)
			return nil
		}

		delta := ptptime.New(0, refOffset)
		if refOffset < 0 && !d.Config.NegativeStepOK {
			d.enter(StateNegStep)
			return fmt.Errorf("clockdriver %s: offset requires negative step, manual intervention needed", d.Config.Name)
		}
		if d.Config.StepTimeout > 0 {
			d.enter(StateStep)
		}
		if err := d.backend.Step(delta.Duration()); err != nil {
			return d.fault(fmt.Errorf("disciplineClock step: %w", err))
		}
		d.lastServoTime = time.Now()
		return nil
	}

	filteredOffset := float64(refOffset)
	if d.madFilter != nil {
		now := time.Now()
		v, rejected := d.madFilter.Admit(filteredOffset, now)
		filteredOffset = v
		if rejected {
			log.WithFields(log.Fields{"driver": d.Config.Name, "offset": refOffset}).Debug("MAD filter rejected outlier sample")
		}
	}
	if d.statFilter != nil {
		d.statFilter.Add(filteredOffset)
		if d.statFilter.Full() {
			filteredOffset = d.statFilter.Value()
		}
	}

	tauSeconds := tau.Seconds()
	if d.Config.Servo.MaxTau > 0 {
		maxTauSeconds := d.Config.Servo.MaxTau * d.Config.Servo.NominalTau.Seconds()
		if tauSeconds > maxTauSeconds {
			tauSeconds = maxTauSeconds
		}
	}
	localTS := uint64(time.Now().UnixNano())
	ppb, _ := d.servo.Sample(int64(filteredOffset), localTS)
	if err := d.backend.SetFrequency(ppb); err != nil {
		return d.fault(fmt.Errorf("disciplineClock setFrequency: %w", err))
	}
	d.lastFrequencyPPB = ppb
	d.lastServoTime = time.Now()
	d.adev.Add(ppb)

	if d.state == StateFreqEst {
		d.freqEstSum += filteredOffset / tauSeconds
		d.freqEstCount++
	}

	saturated := ppb >= d.Config.MaxOutputPPB || ppb <= -d.Config.MaxOutputPPB
	d.transition(d.hasReference(), d.adev.Value(), saturated, true, tau)
	return nil
}

// Tick advances the driver's age/state bookkeeping for one CDR interval
// without a new discipline sample, so age-gated transitions (HOLDOVER on
// reference loss, STEP/HWFAULT timeouts, LOCKED age-out) fire even while no
// sample is arriving. Grounded on original_source/src/libcck/clockdriver.c's
// updateClockDrivers, which ages every driver once per CDR tick regardless
// of when its last sample was processed.
func (d *Driver) Tick(elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Config.Disabled {
		return
	}
	saturated := d.lastFrequencyPPB >= d.Config.MaxOutputPPB || d.lastFrequencyPPB <= -d.Config.MaxOutputPPB
	d.transition(d.hasReference(), d.adev.Value(), saturated, false, elapsed)
}

// PutStatsLine writes a single-line status summary, grounded on the
// teacher's ptp/ptp4u/stats and ptpcheck table-rendering conventions
// (spec.md §4.2's putStatsLine(buf)).
func (d *Driver) PutStatsLine(w io.Writer) {
	fmt.Fprintf(w, "%-16s %-10s freq=%12.3fppb offset=%8dns ref=%s\n",
		d.Config.Name, d.state, d.lastFrequencyPPB, d.lastAbsOffsetNS, d.refName)
}

// PutInfoLine writes an extended multi-field status line (spec.md §4.2's
// putInfoLine(buf)).
func (d *Driver) PutInfoLine(w io.Writer) {
	fmt.Fprintf(w, "%-16s kind=%s state=%s lastState=%s class=%d distance=%d external=%v adev=%.3e\n",
		d.Config.Name, d.Kind, d.state, d.lastState, d.refClass, d.distance, d.external, d.adev.Value())
}

// FrequencyPPB, OffsetNS, and Adev expose the same numbers PutStatsLine/
// PutInfoLine render as text, for a metrics exporter to read directly
// instead of parsing the status lines (spec.md §7's "Stats lines carry
// current offset, adev, frequency, and best-clock marker").
func (d *Driver) FrequencyPPB() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastFrequencyPPB
}

func (d *Driver) OffsetNS() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAbsOffsetNS
}

func (d *Driver) Adev() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adev.Value()
}
