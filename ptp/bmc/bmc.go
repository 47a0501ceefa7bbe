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

// Package bmc implements the full multicast Best Master Clock algorithm of
// IEEE 1588-2008 Figure 28 (data set comparison) and Figure 26 (state
// decision), as consumed by a port running the full BMC-driven state
// machine rather than a unicast-only comparator.
package bmc

import (
	ptp "github.com/tickwell/ptpd/ptp/protocol"
)

// Result is the outcome of comparing two Announce data sets.
type Result int8

const (
	// Ambiguous means the comparison could not establish an order (for
	// example two Announces claiming the same grandmaster with
	// steps-removed within one of each other and an identical source port
	// identity, which per the standard is an error condition).
	Ambiguous Result = 0
	// ABetter means a is the better data set.
	ABetter Result = 1
	// BBetter means b is the better data set.
	BBetter Result = -1
)

// ComparePortIdentity gives a total order over PortIdentity, used as the
// final tiebreaker of the algorithm.
func ComparePortIdentity(a, b ptp.PortIdentity) int {
	return a.Compare(b)
}

// Compare implements IEEE 1588-2008 Figure 28: compares two Announce
// messages a and b and returns which data set is preferred.
//
// Both branches of the figure are covered:
//  1. same grandmasterIdentity: compare stepsRemoved, falling back to the
//     senders' port identities (Header.SourcePortIdentity) when the
//     difference is at most 1. The port each Announce was received on is
//     not an input of Compare and is not considered. Equal source port
//     identities are Ambiguous and must be rejected by the caller.
//  2. different grandmasterIdentity: lexicographic compare of
//     (priority1, clockClass, clockAccuracy, offsetScaledLogVariance,
//     priority2, grandmasterIdentity).
func Compare(a, b *ptp.Announce) Result {
	ab, bb := a.AnnounceBody, b.AnnounceBody
	if ab.GrandmasterIdentity == bb.GrandmasterIdentity {
		return compareSameGrandmaster(a, b)
	}
	return compareDifferentGrandmaster(ab, bb)
}

func compareSameGrandmaster(a, b *ptp.Announce) Result {
	ab, bb := a.AnnounceBody, b.AnnounceBody
	diff := int32(ab.StepsRemoved) - int32(bb.StepsRemoved)
	if diff > 1 {
		return BBetter
	}
	if diff < -1 {
		return ABetter
	}
	// |diff| <= 1: compare the source port identity of each announce.
	cmp := ComparePortIdentity(a.Header.SourcePortIdentity, b.Header.SourcePortIdentity)
	switch {
	case cmp < 0 && diff <= 0:
		return ABetter
	case cmp > 0 && diff >= 0:
		return BBetter
	case cmp == 0:
		// Two distinct Announces claiming to come from the very same
		// port: the standard calls this an error; we surface it as
		// Ambiguous so the caller can discard both records.
		return Ambiguous
	default:
		// diff and port-identity disagree (e.g. diff == -1 but cmp > 0):
		// steps-removed takes priority over the source-port tiebreak.
		if diff < 0 {
			return ABetter
		}
		return BBetter
	}
}

func compareDifferentGrandmaster(a, b ptp.AnnounceBody) Result {
	if r := cmpUint8(a.GrandmasterPriority1, b.GrandmasterPriority1); r != Ambiguous {
		return r
	}
	if r := cmpUint8(uint8(a.GrandmasterClockQuality.ClockClass), uint8(b.GrandmasterClockQuality.ClockClass)); r != Ambiguous {
		return r
	}
	if r := cmpUint8(uint8(a.GrandmasterClockQuality.ClockAccuracy), uint8(b.GrandmasterClockQuality.ClockAccuracy)); r != Ambiguous {
		return r
	}
	if r := cmpUint16(a.GrandmasterClockQuality.OffsetScaledLogVariance, b.GrandmasterClockQuality.OffsetScaledLogVariance); r != Ambiguous {
		return r
	}
	if r := cmpUint8(a.GrandmasterPriority2, b.GrandmasterPriority2); r != Ambiguous {
		return r
	}
	if a.GrandmasterIdentity < b.GrandmasterIdentity {
		return ABetter
	}
	return BBetter
}

func cmpUint8(a, b uint8) Result {
	switch {
	case a < b:
		return ABetter
	case a > b:
		return BBetter
	default:
		return Ambiguous
	}
}

func cmpUint16(a, b uint16) Result {
	switch {
	case a < b:
		return ABetter
	case a > b:
		return BBetter
	default:
		return Ambiguous
	}
}

// Role is the outcome of the state-decision algorithm (Figure 26) for a
// single port.
type Role int

const (
	// RoleListening means no qualified foreign master exists yet.
	RoleListening Role = iota
	// RoleMaster means the local clock should assert mastership.
	RoleMaster
	// RolePassive means a better master exists elsewhere but this port is
	// not the one that should track it.
	RolePassive
	// RoleSlave means this port should track the given winner.
	RoleSlave
)

// LocalDataSet is the subset of DefaultDS/ParentDS needed for the state
// decision algorithm.
type LocalDataSet struct {
	Priority1     uint8
	Priority2     uint8
	ClockIdentity ptp.ClockIdentity
	ClockQuality  ptp.ClockQuality
	SlaveOnly     bool
}

// Announce builds the Announce data set a purely-local (grandmaster) clock
// would send, used to compare D0 against the winning foreign master.
func (d LocalDataSet) Announce() ptp.Announce {
	return ptp.Announce{
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterPriority1:    d.Priority1,
			GrandmasterClockQuality: d.ClockQuality,
			GrandmasterPriority2:    d.Priority2,
			GrandmasterIdentity:     d.ClockIdentity,
			StepsRemoved:            0,
		},
	}
}

// StateDecision implements IEEE 1588-2008 Figure 26 for a single port,
// given the local data set D0 and the BMC winner among foreign masters (nil
// if the foreign master table is empty).
func StateDecision(local LocalDataSet, winner *ptp.Announce) Role {
	if local.SlaveOnly {
		return RoleSlave
	}
	if winner == nil {
		return RoleListening
	}
	d0 := local.Announce()
	switch Compare(&d0, winner) {
	case ABetter:
		if local.ClockQuality.ClockClass < 128 {
			return RoleMaster
		}
		return RoleSlave
	default: // BBetter or Ambiguous: winner is at least as good as D0
		if local.ClockQuality.ClockClass < 128 {
			return RolePassive
		}
		return RoleSlave
	}
}
