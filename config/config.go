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

// Package config is the external collaborator spec.md §6 names: it parses
// and validates the enumerated configuration options into the structs the
// core packages (clockdriver, ptpengine, tda) consume. The frequency_file
// path is parsed into FrequencyFile, but no code reads or writes a stored
// servo frequency there.
//
// Grounded on ptp/ptp4u/server/config.go's StaticConfig/DynamicConfig
// split (restart-requiring options vs. hot-reloadable ones) and its
// yaml.v2-based ReadDynamicConfig/Write pair, generalized from ptp4u's
// single unicast server config to the full set spec.md §6 enumerates.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/tickwell/ptpd/clockdriver"
	"github.com/tickwell/ptpd/ptpengine"
	ptp "github.com/tickwell/ptpd/ptp/protocol"
)

// StepType mirrors spec.md §6's stepType enum, governing when a forbidden
// (large or negative) clock step is permitted.
type StepType uint8

const (
	StepNever StepType = iota
	StepAlways
	StepStartup
	StepStartupForce
)

func (s StepType) String() string {
	switch s {
	case StepAlways:
		return "ALWAYS"
	case StepStartup:
		return "STARTUP"
	case StepStartupForce:
		return "STARTUP_FORCE"
	default:
		return "NEVER"
	}
}

// ParseStepType parses the spec.md §6 stepType values, case-insensitively.
func ParseStepType(s string) (StepType, error) {
	switch strings.ToUpper(s) {
	case "NEVER", "":
		return StepNever, nil
	case "ALWAYS":
		return StepAlways, nil
	case "STARTUP":
		return StepStartup, nil
	case "STARTUP_FORCE":
		return StepStartupForce, nil
	default:
		return StepNever, fmt.Errorf("config: unrecognized stepType %q", s)
	}
}

// StaticConfig holds options that require a daemon restart to change,
// matching ptp4u/server/config.go's StaticConfig split.
type StaticConfig struct {
	Interface      string `yaml:"interface"`
	MonitoringPort int    `yaml:"monitoring_port"`
	PidFile        string `yaml:"pid_file"`
	LockFile       string `yaml:"lock_file"`
	LeapFile       string `yaml:"leap_file"`
	FrequencyFile  string `yaml:"frequency_file"`
	LogLevel       string `yaml:"log_level"`
	HWTimestamp    bool   `yaml:"hw_timestamp"`
}

// DynamicConfig holds the options spec.md §6 enumerates that a running
// daemon may reload without restarting (SIGHUP reparses this file).
type DynamicConfig struct {
	SlaveOnly    bool  `yaml:"slave_only"`
	Priority1    uint8 `yaml:"priority1"`
	Priority2    uint8 `yaml:"priority2"`
	DomainNumber uint8 `yaml:"domain_number"`

	LogAnnounceInterval    int8   `yaml:"log_announce_interval"`
	AnnounceReceiptTimeout uint8  `yaml:"announce_receipt_timeout"`
	LogSyncInterval        int8   `yaml:"log_sync_interval"`
	DelayMechanism         string `yaml:"delay_mechanism"` // "E2E" or "P2P"
	LogMinPdelayReqInterval int8  `yaml:"log_min_pdelay_req_interval"`

	StepType         string  `yaml:"step_type"`
	NoAdjust         bool    `yaml:"no_adjust"`
	MaxResetNS       int64   `yaml:"max_reset_ns"`
	MaxDelayNS       int64   `yaml:"max_delay_ns"`
	StepExitThreshNS int64   `yaml:"step_exit_threshold_ns"`

	ServoKP         float64 `yaml:"servo_kp"`
	ServoKI         float64 `yaml:"servo_ki"`
	ServoIIRShift   int     `yaml:"servo_iir_shift"`

	OutlierFilter  bool    `yaml:"outlier_filter"`
	StatFilterSize int     `yaml:"stat_filter_size"`
	MADWindowSize  int     `yaml:"mad_window_size"`
	MADMax         float64 `yaml:"mad_max"`
	MADDelay       int     `yaml:"mad_delay"`

	AdevPeriod   time.Duration `yaml:"adev_period"`
	StableAdev   float64       `yaml:"stable_adev"`
	UnstableAdev float64       `yaml:"unstable_adev"`

	LockedAge       time.Duration `yaml:"locked_age"`
	HoldoverAge     time.Duration `yaml:"holdover_age"`
	CalibrationTime time.Duration `yaml:"calibration_time"`
	FailureDelay    time.Duration `yaml:"failure_delay"`

	NTPEnableEngine   bool          `yaml:"ntp_enable_engine"`
	NTPEnableControl  bool          `yaml:"ntp_enable_control"`
	NTPEnableFailover bool          `yaml:"ntp_enable_failover"`
	NTPFailoverTimeout time.Duration `yaml:"ntp_failover_timeout"`
	NTPCheckInterval  time.Duration `yaml:"ntp_check_interval"`

	CDRInterval time.Duration `yaml:"cdr_interval"`
	TDAInterval time.Duration `yaml:"tda_interval"`
}

// Config is the full parsed daemon configuration.
type Config struct {
	StaticConfig  `yaml:",inline"`
	DynamicConfig `yaml:",inline"`
}

// Default returns a conservative default configuration, matching the
// teacher's convention of a function returning sane defaults
// (ptp/ptp4u/server: Config{DynamicConfig: ...}) rather than relying on Go
// zero values for anything tunable.
func Default() Config {
	return Config{
		StaticConfig: StaticConfig{
			Interface:      "eth0",
			MonitoringPort: 8889,
			PidFile:        "/var/run/ptpdcore.pid",
			LockFile:       "/var/run/ptpdcore.lock",
			LeapFile:       "/usr/share/zoneinfo/right/UTC",
			FrequencyFile:  "/var/lib/ptpdcore/frequency",
			LogLevel:       "info",
		},
		DynamicConfig: DynamicConfig{
			Priority1:               128,
			Priority2:               128,
			DomainNumber:            0,
			LogAnnounceInterval:     1,
			AnnounceReceiptTimeout:  3,
			LogSyncInterval:         0,
			DelayMechanism:          "E2E",
			LogMinPdelayReqInterval: 0,
			StepType:                "STARTUP",
			MaxResetNS:              1_000_000_000,
			MaxDelayNS:              1_000_000_000,
			StepExitThreshNS:        1_000_000,
			ServoKP:                 0.7,
			ServoKI:                 0.3,
			StatFilterSize:          8,
			MADWindowSize:           20,
			MADMax:                  5.0,
			MADDelay:                4,
			AdevPeriod:              time.Minute,
			StableAdev:              1e-7,
			UnstableAdev:            1e-6,
			LockedAge:               10 * time.Minute,
			HoldoverAge:             5 * time.Minute,
			CalibrationTime:         30 * time.Second,
			FailureDelay:            5 * time.Second,
			NTPCheckInterval:        time.Minute,
			NTPFailoverTimeout:      5 * time.Minute,
			CDRInterval:             time.Second,
			TDAInterval:             time.Second,
		},
	}
}

// Read loads a Config from a YAML file layered over Default().
func Read(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ReadDynamic reloads just the hot-reloadable subset, matching ptp4u's
// ReadDynamicConfig (used from Engine.ReopenLogs on SIGHUP, per spec.md §6
// "reopen logs and reparse leap file" — the dynamic config file is the
// natural place alongside the leap file for a running daemon to reparse).
func ReadDynamic(path string) (DynamicConfig, error) {
	dc := DynamicConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		return dc, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &dc); err != nil {
		return dc, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return dc, nil
}

// Write persists cfg as YAML, matching DynamicConfig.Write's convention in
// ptp4u/server/config.go.
func (c Config) Write(path string) error {
	d, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, d, 0644)
}

// CreatePidFile and DeletePidFile match ptp4u/server/config.go's
// identically named methods.
func (c Config) CreatePidFile() error {
	return os.WriteFile(c.PidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

func (c Config) DeletePidFile() error {
	return os.Remove(c.PidFile)
}

// ClockDriverConfig builds a clockdriver.Config for the system clock
// driver from the parsed dynamic options.
func (c Config) ClockDriverConfig(name string, class uint8) clockdriver.Config {
	cfg := clockdriver.DefaultConfig(name, class)
	cfg.CalibrationTime = c.CalibrationTime
	cfg.StableAdev = c.StableAdev
	cfg.UnstableAdev = c.UnstableAdev
	cfg.LockedAge = c.LockedAge
	cfg.HoldoverAge = c.HoldoverAge
	cfg.StepExitThreshold = c.StepExitThreshNS
	cfg.FailureDelay = c.FailureDelay
	cfg.ReadOnly = c.NoAdjust
	cfg.MADWindowSize = c.MADWindowSize
	cfg.MADMax = c.MADMax
	cfg.MADDelay = c.MADDelay
	cfg.StatFilterSize = c.StatFilterSize
	cfg.Servo.KP = c.ServoKP
	cfg.Servo.KI = c.ServoKI

	st, err := ParseStepType(c.StepType)
	if err == nil {
		cfg.NegativeStepOK = st == StepAlways || st == StepStartupForce
		switch st {
		case StepAlways:
			cfg.StepPolicy = clockdriver.StepPolicyAlways
		case StepStartup:
			cfg.StepPolicy = clockdriver.StepPolicyStartup
		case StepStartupForce:
			cfg.StepPolicy = clockdriver.StepPolicyStartupForce
		default:
			cfg.StepPolicy = clockdriver.StepPolicyNever
		}
	}
	return cfg
}

// DefaultDS builds the port's defaultDS from the parsed dynamic options and
// the local clock identity, forcing clockClass=255 when SlaveOnly per
// spec.md §6 ("slaveOnly (bool) — forces clockClass=255").
func (c Config) DefaultDS(clockID ptp.ClockIdentity, numberPorts uint16) ptpengine.DefaultDS {
	class := ptp.ClockClass(248)
	if c.SlaveOnly {
		class = 255
	}
	return ptpengine.DefaultDS{
		ClockIdentity: clockID,
		NumberPorts:   numberPorts,
		Priority1:     c.Priority1,
		Priority2:     c.Priority2,
		ClockQuality: ptp.ClockQuality{
			ClockClass:    class,
			ClockAccuracy: ptp.ClockAccuracyUnknown,
		},
		DomainNumber: c.DomainNumber,
		SlaveOnly:    c.SlaveOnly,
	}
}

// PortConfig builds a ptpengine.Config for one port from the parsed
// dynamic options.
func (c Config) PortConfig(portNumber uint16, clockID ptp.ClockIdentity) ptpengine.Config {
	mechanism := ptpengine.DelayMechanismE2E
	if strings.EqualFold(c.DelayMechanism, "P2P") {
		mechanism = ptpengine.DelayMechanismP2P
	}
	return ptpengine.Config{
		Port: ptpengine.PortDS{
			PortIdentity:            ptp.PortIdentity{ClockIdentity: clockID, PortNumber: portNumber},
			LogMinDelayReqInterval:  ptp.LogInterval(c.LogSyncInterval),
			LogAnnounceInterval:     ptp.LogInterval(c.LogAnnounceInterval),
			AnnounceReceiptTimeout:  c.AnnounceReceiptTimeout,
			LogSyncInterval:         ptp.LogInterval(c.LogSyncInterval),
			DelayMechanism:          mechanism,
			LogMinPdelayReqInterval: ptp.LogInterval(c.LogMinPdelayReqInterval),
			VersionNumber:           2,
		},
		ForeignMasterCapacity:  16,
		QualificationTimeout:   2 * time.Second,
		MaxDelay:               time.Duration(c.MaxDelayNS),
		MPDFilterS:             0.1,
		MADWindowSize:          c.MADWindowSize,
		MADMax:                 c.MADMax,
		MADDelay:               c.MADDelay,
		OutlierBlockTimeout:    30 * time.Second,
		MaxConsecutiveTSErrors: 5,
	}
}
