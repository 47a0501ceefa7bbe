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
)

// Kind identifies which concrete backend a Driver wraps, per the tagged
// variant design called for by spec.md's Design Notes §9 ("Dynamic dispatch
// across driver variants").
type Kind uint8

const (
	// KindSystem wraps the OS CLOCK_REALTIME via clock_adjtime, grounded on
	// the teacher's clock package.
	KindSystem Kind = iota
	// KindPHC wraps a PTP hardware clock device, grounded on the teacher's
	// phc package.
	KindPHC
)

func (k Kind) String() string {
	if k == KindPHC {
		return "phc"
	}
	return "system"
}

// StepPolicy governs when disciplineClock may issue a hard step instead of
// slewing the frequency at MaxOutputPPB, mirroring spec.md §6's stepType
// enum (the config package's StepType is the parsed CLI/YAML form; this is
// the same four values translated into what this package consumes).
type StepPolicy uint8

const (
	// StepPolicyNever never steps: an offset past the 1s step threshold is
	// slewed at +-MaxOutputPPB instead.
	StepPolicyNever StepPolicy = iota
	// StepPolicyAlways steps unconditionally whenever the offset crosses
	// the 1s threshold.
	StepPolicyAlways
	// StepPolicyStartup permits exactly one step, on the driver's first
	// discipline sample; every later over-threshold offset is slewed
	// instead of stepped.
	StepPolicyStartup
	// StepPolicyStartupForce is StepPolicyStartup, except the one startup
	// step is also allowed to go backward without operator confirmation
	// (NegativeStepOK is set alongside it).
	StepPolicyStartupForce
)

func (p StepPolicy) String() string {
	switch p {
	case StepPolicyAlways:
		return "ALWAYS"
	case StepPolicyStartup:
		return "STARTUP"
	case StepPolicyStartupForce:
		return "STARTUP_FORCE"
	default:
		return "NEVER"
	}
}

// Config holds the per-driver tunables named throughout spec.md §4.2,
// equivalent to the original ClockDriverConfig structure in
// original_source/src/libcck/clockdriver.h.
type Config struct {
	Name  string
	Class uint8 // refClass: lower wins in findBestClock

	CalibrationTime time.Duration
	StableAdev      float64
	UnstableAdev    float64
	LockedAge       time.Duration
	HoldoverAge     time.Duration

	StepTimeout       time.Duration
	StepExitThreshold int64 // ns
	NegativeStepOK    bool
	StepPolicy        StepPolicy

	FailureDelay time.Duration

	OffsetCorrection int64 // ns, subtracted from every raw offset
	ReadOnly         bool
	Disabled         bool
	Excluded         bool // excluded from findBestClock even if eligible

	MaxOutputPPB float64

	MADWindowSize    int
	MADMax           float64
	MADDelay         int
	OutlierBlockTime time.Duration

	StatFilterSize    int
	StatFilterReducer Reducer

	Servo ServoConfig
}

// ServoConfig is the PI servo tuning described in spec.md §4.2's
// "PI servo update" paragraph: tau/tauMethod/delayFactor/maxTau, layered on
// top of the teacher's servo.PiServoCfg.
type ServoConfig struct {
	KP, KI      float64
	DelayFactor float64
	MaxTau      float64
	NominalTau  time.Duration
}

// DefaultConfig returns conservative defaults matching the teacher's own
// servo.DefaultServoConfig()/PiServiceConfig conventions.
func DefaultConfig(name string, class uint8) Config {
	return Config{
		Name:              name,
		Class:             class,
		CalibrationTime:   30 * time.Second,
		StableAdev:        1e-7,
		UnstableAdev:      1e-6,
		LockedAge:         10 * time.Minute,
		HoldoverAge:       5 * time.Minute,
		StepTimeout:       60 * time.Second,
		StepExitThreshold: 1_000_000,
		NegativeStepOK:    false,
		StepPolicy:        StepPolicyStartup,
		FailureDelay:      5 * time.Second,
		MaxOutputPPB:      500_000,
		MADWindowSize:     20,
		MADMax:            5.0,
		MADDelay:          4,
		OutlierBlockTime:  30 * time.Second,
		StatFilterSize:    8,
		StatFilterReducer: ReducerMean,
		Servo: ServoConfig{
			KP:          0.7,
			KI:          0.3,
			DelayFactor: 1.0,
			MaxTau:      10.0,
			NominalTau:  time.Second,
		},
	}
}

// Validate checks the configuration is internally consistent, matching the
// teacher's Config.Validate()/EvalAndValidate() convention
// (ptp/sptp/client/config.go, fbclock/daemon/config.go).
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("clockdriver: name must not be empty")
	}
	if c.MaxOutputPPB <= 0 {
		return fmt.Errorf("clockdriver %s: MaxOutputPPB must be positive", c.Name)
	}
	if c.StableAdev <= 0 || c.UnstableAdev <= c.StableAdev {
		return fmt.Errorf("clockdriver %s: UnstableAdev must exceed StableAdev > 0", c.Name)
	}
	if c.Servo.KP < 1e-6 || c.Servo.KI < 1e-6 {
		return fmt.Errorf("clockdriver %s: servo KP/KI must each be >= 1e-6", c.Name)
	}
	return nil
}
