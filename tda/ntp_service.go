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

package tda

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tickwell/ptpd/protocol/chrony"
)

// NTPProbe is the narrow capability NTPService needs from a chronyd
// connection: query tracking state as the liveness/availability probe
// named in spec.md §4.5. Satisfied by *chrony.Client.
type NTPProbe interface {
	Communicate(packet chrony.RequestPacket) (chrony.ResponsePacket, error)
}

// NTPService adapts a local chronyd into a tda.Service, standing in for
// the original's authenticated NTP control-protocol acquire/release/probe
// triad (spec.md §9's explicit permission to substitute a real mechanism):
// chrony's already wire-complete tracking query is the probe, and
// acquire/release are modeled as attempts to reach chronyd rather than
// actual KERNEL|NTP system-flag mutation, which chrony's control protocol
// does not expose the way ptpd's bespoke NTP control protocol did.
//
// Grounded on timingdomain.c's ntpService{Init,Shutdown,Acquire,Release,
// Update}, in particular its requestFailed/checkFailed sticky flags that
// suppress repeated warnings for a standing failure.
type NTPService struct {
	id    string
	probe NTPProbe
	ds    ServiceDS

	enabled bool // config->enableEngine equivalent

	requestFailed bool
	checkFailed   bool
	reachable     bool
}

// NewNTPService builds an NTPService talking to probe (typically a
// *chrony.Client connected to the local chronyd), used as the failover
// timing source behind a PTP service of higher (numerically lower)
// priority1.
func NewNTPService(id string, probe NTPProbe, enabled bool, priority1, priority2 uint8) *NTPService {
	return &NTPService{
		id:      id,
		probe:   probe,
		enabled: enabled,
		ds:      ServiceDS{Priority1: priority1, Type: ServiceTypeNTP, Priority2: priority2},
	}
}

func (s *NTPService) ID() string         { return s.id }
func (s *NTPService) DataSet() ServiceDS { return s.ds }

func (s *NTPService) Init() error {
	if !s.enabled {
		log.WithField("component", "tda").WithField("service", s.id).Info("NTP service not enabled")
		return nil
	}
	log.WithField("component", "tda").WithField("service", s.id).Info("NTP service init")
	return nil
}

func (s *NTPService) Shutdown() error { return nil }

// Update probes chronyd for tracking data; a successful reply means
// chronyd is reachable and reporting (operational+available), an error
// means neither, matching ntpServiceUpdate's INFO_YES/INFO_NO/timeout
// trichotomy collapsed to a boolean since chrony's tracking query has no
// separate "explicitly not synced" reply distinct from an error.
func (s *NTPService) Update() Status {
	if !s.enabled {
		return Status{}
	}
	_, err := s.probe.Communicate(chrony.NewTrackingPacket())
	if err != nil {
		if !s.checkFailed {
			log.WithFields(log.Fields{"component": "tda", "service": s.id, "error": err}).Warning("could not verify NTP status, will keep checking")
		}
		s.checkFailed = true
		s.reachable = false
		return Status{}
	}
	if !s.reachable {
		log.WithField("component", "tda").WithField("service", s.id).Info("now available")
	}
	s.checkFailed = false
	s.reachable = true
	return Status{Operational: true, Available: true, Activity: true}
}

func (s *NTPService) Acquire() error {
	if !s.enabled {
		if !s.requestFailed {
			log.WithField("component", "tda").WithField("service", s.id).Warning("control disabled, cannot acquire clock control")
		}
		s.requestFailed = true
		return fmt.Errorf("tda: NTP control disabled")
	}
	// chrony exposes no wire command to flip the kernel KERNEL|NTP status
	// flags the way ptpd's bespoke NTP control protocol did; acquiring
	// here means confirming chronyd is still reachable and logging the
	// handover, per spec.md §9.
	if _, err := s.probe.Communicate(chrony.NewTrackingPacket()); err != nil {
		s.requestFailed = true
		return err
	}
	s.requestFailed = false
	return nil
}

func (s *NTPService) Release(reason ReleaseReason) error {
	if !s.enabled {
		return nil
	}
	return nil
}

// ClockUpdate is a no-op: chrony already disciplines the kernel clock
// itself while NTP holds control; the arbitrator has nothing further to
// push.
func (s *NTPService) ClockUpdate() error { return nil }
