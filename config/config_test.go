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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	ptp "github.com/tickwell/ptpd/ptp/protocol"
	"github.com/tickwell/ptpd/ptpengine"
)

func TestParseStepType(t *testing.T) {
	cases := map[string]StepType{
		"":              StepNever,
		"never":         StepNever,
		"ALWAYS":        StepAlways,
		"Startup":       StepStartup,
		"STARTUP_FORCE": StepStartupForce,
	}
	for in, want := range cases {
		got, err := ParseStepType(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseStepType("bogus")
	require.Error(t, err)
}

func TestDefaultDSForcesClockClass255WhenSlaveOnly(t *testing.T) {
	cfg := Default()
	cfg.SlaveOnly = true
	ds := cfg.DefaultDS(ptp.ClockIdentity(1), 1)
	require.EqualValues(t, 255, ds.ClockQuality.ClockClass)
	require.True(t, ds.SlaveOnly)
}

func TestDefaultDSNotSlaveOnlyUsesDefaultClass(t *testing.T) {
	cfg := Default()
	ds := cfg.DefaultDS(ptp.ClockIdentity(1), 1)
	require.NotEqualValues(t, 255, ds.ClockQuality.ClockClass)
}

func TestReadWriteRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Priority1 = 10
	cfg.Interface = "eth1"

	path := filepath.Join(t.TempDir(), "ptpdcore.yaml")
	require.NoError(t, cfg.Write(path))

	got, err := Read(path)
	require.NoError(t, err)
	require.EqualValues(t, 10, got.Priority1)
	require.Equal(t, "eth1", got.Interface)
}

func TestReadMissingFileErrors(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestClockDriverConfigMapsStepType(t *testing.T) {
	cfg := Default()
	cfg.StepType = "ALWAYS"
	dc := cfg.ClockDriverConfig("system", 6)
	require.True(t, dc.NegativeStepOK)

	cfg.StepType = "NEVER"
	dc = cfg.ClockDriverConfig("system", 6)
	require.False(t, dc.NegativeStepOK)
}

func TestPortConfigMapsDelayMechanism(t *testing.T) {
	cfg := Default()
	cfg.DelayMechanism = "P2P"
	pc := cfg.PortConfig(1, ptp.ClockIdentity(0xaabbccddeeff0011))
	require.Equal(t, ptpengine.DelayMechanismP2P, pc.Port.DelayMechanism)
	require.Equal(t, uint16(1), pc.Port.PortIdentity.PortNumber)
	require.Equal(t, ptp.PortIdentity{ClockIdentity: 0xaabbccddeeff0011, PortNumber: 1}, pc.Port.PortIdentity)
}

func TestCreateAndDeletePidFile(t *testing.T) {
	cfg := Default()
	cfg.PidFile = filepath.Join(t.TempDir(), "ptpdcore.pid")

	require.NoError(t, cfg.CreatePidFile())
	data, err := os.ReadFile(cfg.PidFile)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	require.NoError(t, cfg.DeletePidFile())
	_, err = os.Stat(cfg.PidFile)
	require.True(t, os.IsNotExist(err))
}
