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

	"github.com/tickwell/ptpd/phc"
)

// phcBackend disciplines a PTP hardware clock device, grounded on the
// teacher's phc.Device (phc/phc.go, phc/device.go).
type phcBackend struct {
	name string
	dev  *phc.Device
}

func newPHCBackend(name string, dev *phc.Device) *phcBackend {
	return &phcBackend{name: name, dev: dev}
}

func (p *phcBackend) Name() string { return p.name }

func (p *phcBackend) Now() (time.Time, error) {
	return p.dev.Time()
}

func (p *phcBackend) MonotonicNow() time.Time {
	t, err := p.dev.Time()
	if err != nil {
		return time.Now()
	}
	return t
}

func (p *phcBackend) SetTime(t time.Time) error {
	now, err := p.dev.Time()
	if err != nil {
		return fmt.Errorf("phc %s setTime: %w", p.name, err)
	}
	return p.dev.Step(t.Sub(now))
}

func (p *phcBackend) Step(delta time.Duration) error {
	if err := p.dev.Step(delta); err != nil {
		return fmt.Errorf("phc %s step: %w", p.name, err)
	}
	return nil
}

func (p *phcBackend) SetFrequency(ppb float64) error {
	if err := p.dev.AdjFreq(ppb); err != nil {
		return fmt.Errorf("phc %s setFrequency: %w", p.name, err)
	}
	return nil
}

func (p *phcBackend) Frequency() (float64, error) {
	ppb, err := p.dev.FreqPPB()
	if err != nil {
		return 0, fmt.Errorf("phc %s getFrequency: %w", p.name, err)
	}
	return ppb, nil
}

func (p *phcBackend) HealthCheck() error {
	if _, err := p.dev.Time(); err != nil {
		return fmt.Errorf("phc %s health check: %w", p.name, err)
	}
	return nil
}

// NewPHCDriver builds a Driver disciplining the PTP hardware clock behind
// dev, the second baseline clock source named by spec.md §4.2.
func NewPHCDriver(cfg Config, dev *phc.Device) *Driver {
	return newDriver(KindPHC, newPHCBackend(cfg.Name, dev), cfg)
}
