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

// Package ptpengine implements the PTP Engine (PE): the per-port state
// machine, foreign master table, message handlers and BMC-driven role
// selection described in spec.md §4.3, generalized from the teacher's
// unicast sptp client (ptp/sptp/client) into a full multicast port.
package ptpengine

import (
	"time"

	ptp "github.com/tickwell/ptpd/ptp/protocol"
)

// DefaultDS is IEEE 1588-2008's defaultDS, the port's view of its own
// clock (spec.md §3).
type DefaultDS struct {
	ClockIdentity    ptp.ClockIdentity
	NumberPorts      uint16
	Priority1        uint8
	Priority2        uint8
	ClockQuality     ptp.ClockQuality
	DomainNumber     uint8
	SlaveOnly        bool
	TwoStepFlag      bool
}

// CurrentDS is IEEE 1588-2008's currentDS, the slave's live measurement
// summary.
type CurrentDS struct {
	StepsRemoved     uint16
	OffsetFromMaster time.Duration
	MeanPathDelay    time.Duration
}

// ParentDS is IEEE 1588-2008's parentDS, identifying the currently-selected
// master and grandmaster.
type ParentDS struct {
	ParentPortIdentity                    ptp.PortIdentity
	ParentStats                           bool
	ObservedParentOffsetScaledLogVariance uint16
	ObservedParentClockPhaseChangeRate    uint32
	GrandmasterIdentity                   ptp.ClockIdentity
	GrandmasterClockQuality               ptp.ClockQuality
	GrandmasterPriority1                  uint8
	GrandmasterPriority2                  uint8
}

// TimePropertiesDS is IEEE 1588-2008's timePropertiesDS, the
// timescale/leap-second metadata carried in Announce messages.
type TimePropertiesDS struct {
	CurrentUTCOffset      int16
	CurrentUTCOffsetValid bool
	Leap59                bool
	Leap61                bool
	TimeTraceable         bool
	FrequencyTraceable    bool
	PTPTimescale          bool
	TimeSource            ptp.TimeSource
}

// FlagField packs the dataset into the Announce header's flagField bits,
// per spec.md §6's flag layout.
func (tp TimePropertiesDS) FlagField() uint16 {
	var f uint16
	if tp.Leap61 {
		f |= ptp.FlagLeap61
	}
	if tp.Leap59 {
		f |= ptp.FlagLeap59
	}
	if tp.CurrentUTCOffsetValid {
		f |= ptp.FlagCurrentUtcOffsetValid
	}
	if tp.PTPTimescale {
		f |= ptp.FlagPTPTimescale
	}
	if tp.TimeTraceable {
		f |= ptp.FlagTimeTraceable
	}
	if tp.FrequencyTraceable {
		f |= ptp.FlagFrequencyTraceable
	}
	return f
}

// DelayMechanism selects between the end-to-end and peer-to-peer delay
// measurement mechanisms named throughout spec.md §4.3/§4.4.
type DelayMechanism uint8

const (
	DelayMechanismE2E DelayMechanism = iota
	DelayMechanismP2P
)

// PortDS is IEEE 1588-2008's portDS, the per-port configuration and runtime
// dataset.
type PortDS struct {
	PortIdentity            ptp.PortIdentity
	PortState               ptp.PortState
	LogMinDelayReqInterval  ptp.LogInterval
	LogAnnounceInterval     ptp.LogInterval
	AnnounceReceiptTimeout  uint8
	LogSyncInterval         ptp.LogInterval
	DelayMechanism          DelayMechanism
	LogMinPdelayReqInterval ptp.LogInterval
	VersionNumber           uint8
}

// announceTimeout returns the duration after which a foreign master record
// becomes stale, per spec.md §4.3's
// "announceReceiptTimeout * 2^logAnnounceInterval" purge rule.
func (p PortDS) announceTimeout() time.Duration {
	interval := p.LogAnnounceInterval.Duration()
	return time.Duration(p.AnnounceReceiptTimeout) * interval
}
