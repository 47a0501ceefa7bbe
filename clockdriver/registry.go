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
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tickwell/ptpd/ptptime"
)

// Registry is the process-wide Clock Driver Registry (CDR): it owns every
// Driver uniquely, runs their periodic update tick, and elects the single
// best clock across all of them (spec.md §1, §4.2).
type Registry struct {
	mu      sync.Mutex
	drivers map[string]*Driver
	order   []string // insertion order, for deterministic Dump/iteration
	best    *Driver
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]*Driver)}
}

// Add registers a driver under its configured name. It is an error to
// register two drivers under the same name, since the registry uniquely
// owns each one.
func (r *Registry) Add(d *Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[d.Config.Name]; exists {
		return fmt.Errorf("clockdriver registry: driver %q already registered", d.Config.Name)
	}
	r.drivers[d.Config.Name] = d
	r.order = append(r.order, d.Config.Name)
	return d.Init()
}

// Get looks up a registered driver by name.
func (r *Registry) Get(name string) (*Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[name]
	return d, ok
}

// Best returns the currently elected best clock, or nil if none is eligible.
func (r *Registry) Best() *Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.best
}

// UpdateClockDrivers runs one CDR tick: every driver's state machine and age
// bookkeeping is advanced by interval (Driver.Tick), so age-gated
// transitions fire even on an interval with no new sample (e.g. LOCKED ->
// HOLDOVER the moment a reference is lost), then findBestClock re-elects
// and, per spec.md §4.2, every non-best driver that isn't on an external
// reference adopts the new best.
func (r *Registry) UpdateClockDrivers(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		r.drivers[name].Tick(interval)
	}

	best := r.findBestClock()
	if best != r.best {
		log.WithFields(log.Fields{
			"from": driverName(r.best),
			"to":   driverName(best),
		}).Info("CDR elected new best clock")
		r.best = best
		if best != nil {
			for _, name := range r.order {
				d := r.drivers[name]
				if d == best || d.external {
					continue
				}
				_ = d.SetReference(best)
			}
		}
	}
}

func driverName(d *Driver) string {
	if d == nil {
		return "<none>"
	}
	return d.Config.Name
}

// findBestClock implements spec.md §4.2's election: eligibility is
// "not disabled, not excluded, state in {LOCKED, HOLDOVER}", then a
// pairwise comparison in the declared order. Grounded on
// original_source/src/libcck/clockdriver.c's compareClockDriver/
// findBestClock (read in full; same tie-break ordering below).
func (r *Registry) findBestClock() *Driver {
	var candidates []*Driver
	for _, name := range r.order {
		d := r.drivers[name]
		if d.Config.Disabled || d.Config.Excluded {
			continue
		}
		if !d.state.eligible() {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return compareClockDriver(candidates[i], candidates[j], r.best) > 0
	})
	return candidates[0]
}

// compareClockDriver returns >0 if a is preferred over b, <0 if b is
// preferred, 0 if genuinely tied. current is the registry's current best
// (used by the "referencing the current best" tiebreak), may be nil.
func compareClockDriver(a, b, current *Driver) int {
	// LOCKED beats HOLDOVER, except when a LOCKED's distance exceeds a
	// HOLDOVER's by >= 1.
	if a.state != b.state {
		if a.state == StateLocked && b.state == StateHoldover {
			if a.distance < b.distance+1 {
				return 1
			}
			return -1
		}
		if b.state == StateLocked && a.state == StateHoldover {
			if b.distance < a.distance+1 {
				return -1
			}
			return 1
		}
	}

	if a.external != b.external {
		if a.external {
			return 1
		}
		return -1
	}

	if a.refClass != b.refClass {
		if a.refClass < b.refClass {
			return 1
		}
		return -1
	}

	aRefCurrent := current != nil && a.refClock == current
	bRefCurrent := current != nil && b.refClock == current
	if aRefCurrent != bRefCurrent {
		if aRefCurrent {
			return 1
		}
		return -1
	}

	aRefSystem := a.refClock != nil && a.refClock.Kind == KindSystem
	bRefSystem := b.refClock != nil && b.refClock.Kind == KindSystem
	if aRefSystem != bRefSystem {
		if !aRefSystem {
			return 1
		}
		return -1
	}

	if a.distance != b.distance {
		if a.distance < b.distance {
			return 1
		}
		return -1
	}

	if (a.Kind == KindSystem) != (b.Kind == KindSystem) {
		if a.Kind != KindSystem {
			return 1
		}
		return -1
	}

	aAdev, bAdev := a.adev.Value(), b.adev.Value()
	if aAdev != bAdev {
		if aAdev < bAdev {
			return 1
		}
		return -1
	}

	if a.ageInState != b.ageInState {
		if a.ageInState > b.ageInState {
			return 1
		}
		return -1
	}
	return 0
}

// StepAll steps every registered, non-disabled driver to its last known
// offset. Grounded on original_source/src/libcck/clockdriver.c's CD_STEP
// command (SUPPLEMENTED FEATURES in SPEC_FULL.md).
func (r *Registry) StepAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		d := r.drivers[name]
		if d.Config.Disabled || d.Config.ReadOnly {
			continue
		}
		offset := d.lastAbsOffsetNS
		if d.lastFrequencyPPB < 0 {
			offset = -offset
		}
		_ = d.StepTime(ptptime.New(0, offset), true)
	}
}

// Dump writes every registered driver's info line, grounded on
// original_source/src/libcck/clockdriver.c's CD_DUMP introspection command.
func (r *Registry) Dump(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		r.drivers[name].PutInfoLine(w)
	}
}

// PutStats writes every registered driver's single-line stats summary.
func (r *Registry) PutStats(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		r.drivers[name].PutStatsLine(w)
	}
}
