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
	"time"

	"golang.org/x/sys/unix"

	"github.com/tickwell/ptpd/clock"
)

// systemBackend disciplines CLOCK_REALTIME via clock_adjtime, grounded on
// the teacher's clock package (clock/clock.go).
type systemBackend struct {
	name string
}

func newSystemBackend(name string) *systemBackend {
	return &systemBackend{name: name}
}

func (s *systemBackend) Name() string { return s.name }

func (s *systemBackend) Now() (time.Time, error) {
	return time.Now(), nil
}

func (s *systemBackend) MonotonicNow() time.Time {
	return time.Now()
}

func (s *systemBackend) SetTime(t time.Time) error {
	if _, err := clock.Step(unix.CLOCK_REALTIME, t.Sub(time.Now())); err != nil {
		return fmt.Errorf("system clock setTime: %w", err)
	}
	return nil
}

func (s *systemBackend) Step(delta time.Duration) error {
	if _, err := clock.Step(unix.CLOCK_REALTIME, delta); err != nil {
		return fmt.Errorf("system clock step: %w", err)
	}
	return nil
}

func (s *systemBackend) SetFrequency(ppb float64) error {
	if _, err := clock.AdjFreqPPB(unix.CLOCK_REALTIME, ppb); err != nil {
		return fmt.Errorf("system clock setFrequency: %w", err)
	}
	return nil
}

func (s *systemBackend) Frequency() (float64, error) {
	ppb, _, err := clock.FrequencyPPB(unix.CLOCK_REALTIME)
	if err != nil {
		return 0, fmt.Errorf("system clock getFrequency: %w", err)
	}
	return ppb, nil
}

func (s *systemBackend) HealthCheck() error {
	if _, _, err := clock.FrequencyPPB(unix.CLOCK_REALTIME); err != nil {
		return fmt.Errorf("system clock health check: %w", err)
	}
	return nil
}

// NewSystemDriver builds a Driver disciplining the host's CLOCK_REALTIME,
// the process-wide system clock referenced by spec.md §4.2 as one of the
// two baseline clock sources.
func NewSystemDriver(cfg Config) *Driver {
	return newDriver(KindSystem, newSystemBackend(cfg.Name), cfg)
}
