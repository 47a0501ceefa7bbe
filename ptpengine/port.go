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

package ptpengine

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tickwell/ptpd/ptp/bmc"
	ptp "github.com/tickwell/ptpd/ptp/protocol"
)

// ClockSync is the narrow capability ptpengine needs from a clock driver:
// feed a measured offset/tau pair into its discipline loop. Satisfied by
// *clockdriver.Driver without ptpengine importing clockdriver, keeping the
// PE/CDR dependency one-directional per spec.md §2's layering.
type ClockSync interface {
	SyncClock(offsetNS int64, tau time.Duration) error
}

// Sender transmits one already-marshaled PTP datagram, the network
// collaborator named in spec.md §1/§5 (the socket layer is out of PE's
// scope; PE only ever calls Send).
type Sender interface {
	Send(b []byte) error
}

// Config bundles the tunables governing one Port, grounded on
// ptp/sptp/client.Config (config.go)'s Validate()-returning convention
// generalized to the full multicast profile.
type Config struct {
	Port                    PortDS
	ForeignMasterCapacity   int
	QualificationTimeout    time.Duration
	MaxDelay                time.Duration
	MPDFilterS              float64
	MADWindowSize           int
	MADMax                  float64
	MADDelay                int
	OutlierBlockTimeout     time.Duration
	MaxConsecutiveTSErrors  int
}

// Validate checks the configuration, matching the teacher's Config.Validate
// convention (ptp/sptp/client/config.go).
func (c Config) Validate() error {
	if c.Port.PortIdentity.PortNumber == 0 {
		return fmt.Errorf("ptpengine: port number must be nonzero")
	}
	if c.MaxConsecutiveTSErrors <= 0 {
		return fmt.Errorf("ptpengine %s: MaxConsecutiveTSErrors must be positive", c.Port.PortIdentity)
	}
	return nil
}

// Port drives one PTP port's state machine (spec.md §4.3): Announce/Sync/
// FollowUp/Delay_Req/Delay_Resp/PDelay_* handling, the foreign master
// table, BMC-driven role selection, and offset/delay computation feeding a
// ClockSync.
//
// Grounded on ptp/sptp/client/{bmca,measurements,clock,config}.go,
// generalized from a unicast sptp client (one fixed set of GM candidates,
// no PRE_MASTER/PASSIVE/MASTER states) into the full multicast port state
// machine spec.md §4.3 names.
type Port struct {
	mu sync.Mutex

	cfg Config

	Default DefaultDS
	Parent  ParentDS
	Current CurrentDS
	TimeProps TimePropertiesDS

	foreign *ForeignMasterTable

	state ptp.PortState

	announceReceiptTimer time.Duration
	qualificationTimer   time.Duration
	syncReceiptTimer     time.Duration
	delayReqTimer        time.Duration
	pdelayReceiptTimer   time.Duration

	// Emission cadences: time remaining until this port's next
	// self-originated message of each kind, independent of the receipt
	// timers above. announceSendTimer/syncSendTimer only count down in
	// MASTER; delayReqTimer doubles as the SLAVE-state Delay_Req cadence;
	// pdelaySendTimer runs in every state except DISABLED/FAULTY/
	// INITIALIZING, per spec.md §4.4's "runs regardless of port role".
	announceSendTimer time.Duration
	syncSendTimer     time.Duration
	pdelaySendTimer   time.Duration

	announceSeq uint16
	syncSeq     uint16
	delayReqSeq uint16
	pdelayReqSeq uint16

	pendingTwoStepSync map[uint16]twoStepSync

	// E2E delay state
	t1, t2 ptp.Timestamp
	t3Sent time.Time
	meanPathDelayNS int64

	// P2P delay state
	pdelayT1 ptp.Timestamp
	pdelaySeq uint16
	peerMeanPathDelayNS int64
	pendingPDelayResp *pendingPDelay

	delayFilter *mpdFilter

	tsErrorStreak int

	sync ClockSync
	send Sender

	leapPending bool
}

type twoStepSync struct {
	t2        time.Time
	heardAt   time.Time
}

// NewPort builds a Port in the INITIALIZING state.
func NewPort(cfg Config, d DefaultDS, sync ClockSync, send Sender) *Port {
	return &Port{
		cfg:                cfg,
		Default:            d,
		foreign:            NewForeignMasterTable(cfg.ForeignMasterCapacity),
		state:              ptp.PortStateInitializing,
		pendingTwoStepSync: make(map[uint16]twoStepSync),
		delayFilter:        newMPDFilter(cfg.MPDFilterS, cfg.MADWindowSize, cfg.MADMax, cfg.MADDelay, cfg.OutlierBlockTimeout),
		sync:               sync,
		send:               send,
		announceSendTimer:  cfg.Port.LogAnnounceInterval.Duration(),
		syncSendTimer:      cfg.Port.LogSyncInterval.Duration(),
		delayReqTimer:      cfg.Port.LogMinDelayReqInterval.Duration(),
		pdelaySendTimer:    cfg.Port.LogMinPdelayReqInterval.Duration(),
	}
}

// State returns the port's current PTP state.
func (p *Port) State() ptp.PortState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Initialize moves INITIALIZING -> LISTENING once datasets/timers are
// ready, per spec.md §4.3's INITIALIZING contract.
func (p *Port) Initialize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetAnnounceReceiptTimer()
	p.setState(ptp.PortStateListening)
}

func (p *Port) setState(s ptp.PortState) {
	if p.state == s {
		return
	}
	log.WithFields(log.Fields{
		"component": "ptpengine",
		"port":      p.cfg.Port.PortIdentity.String(),
		"old_state": p.state.String(),
		"new_state": s.String(),
	}).Info("port state transition")
	p.state = s
}

func (p *Port) resetAnnounceReceiptTimer() {
	interval := p.cfg.Port.LogAnnounceInterval.Duration()
	p.announceReceiptTimer = time.Duration(p.cfg.Port.AnnounceReceiptTimeout) * interval
}

// Tick advances every protocol timer by elapsed and handles expiry,
// matching spec.md §5's "timers are integer countdowns decremented on each
// tick" model.
func (p *Port) Tick(now time.Time, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == ptp.PortStateDisabled || p.state == ptp.PortStateFaulty || p.state == ptp.PortStateInitializing {
		return
	}

	p.foreign.Purge(now, p.cfg.Port.announceTimeout())

	switch p.state {
	case ptp.PortStateListening, ptp.PortStateSlave, ptp.PortStatePassive, ptp.PortStateMaster, ptp.PortStatePreMaster, ptp.PortStateUncalibrated:
		p.announceReceiptTimer -= elapsed
		if p.announceReceiptTimer <= 0 {
			p.onAnnounceReceiptTimeout()
			p.resetAnnounceReceiptTimer()
		}
	}

	if p.state == ptp.PortStatePreMaster {
		p.qualificationTimer -= elapsed
		if p.qualificationTimer <= 0 {
			p.setState(ptp.PortStateMaster)
		}
	}

	if p.state == ptp.PortStateSlave || p.state == ptp.PortStateUncalibrated {
		p.syncReceiptTimer -= elapsed
		if p.syncReceiptTimer <= 0 {
			log.WithField("port", p.cfg.Port.PortIdentity.String()).Warning("sync receipt timeout, returning to LISTENING")
			p.setState(ptp.PortStateListening)
			p.resetAnnounceReceiptTimer()
		}
	}

	p.reevaluateRole(now)
	p.tickEmission(now, elapsed)
}

// tickEmission drives this port's self-originated traffic: Announce/Sync
// while MASTER, Delay_Req while SLAVE/UNCALIBRATED on the E2E mechanism, and
// PDelay_Req in any non-disabled state on the P2P mechanism. Grounded on
// spec.md §4.3/§4.4's per-interval emission rules; the wire send itself is
// fire-and-forget (non-blocking per spec.md §5, see transport.multicastSender).
func (p *Port) tickEmission(now time.Time, elapsed time.Duration) {
	switch p.state {
	case ptp.PortStateMaster:
		p.announceSendTimer -= elapsed
		if p.announceSendTimer <= 0 {
			p.emit(p.buildAnnounceLocked(now))
			p.announceSendTimer = p.cfg.Port.LogAnnounceInterval.Duration()
		}
		p.syncSendTimer -= elapsed
		if p.syncSendTimer <= 0 {
			p.emit(p.buildSyncLocked(now, false))
			p.syncSendTimer = p.cfg.Port.LogSyncInterval.Duration()
		}
	case ptp.PortStateSlave, ptp.PortStateUncalibrated:
		if p.cfg.Port.DelayMechanism == DelayMechanismE2E {
			p.delayReqTimer -= elapsed
			if p.delayReqTimer <= 0 {
				p.emit(p.buildDelayReqLocked(now))
				p.delayReqTimer = p.cfg.Port.LogMinDelayReqInterval.Duration()
			}
		}
	}

	if p.cfg.Port.DelayMechanism == DelayMechanismP2P &&
		p.state != ptp.PortStateDisabled && p.state != ptp.PortStateFaulty && p.state != ptp.PortStateInitializing {
		p.pdelaySendTimer -= elapsed
		if p.pdelaySendTimer <= 0 {
			p.emit(p.buildPDelayReqLocked(now))
			p.pdelaySendTimer = p.cfg.Port.LogMinPdelayReqInterval.Duration()
		}
	}
}

// emit marshals and sends msg, logging (never blocking the tick) on failure.
// Uses ptp.Bytes rather than a MarshalBinary type assertion since not every
// Packet (e.g. PDelayReq) implements encoding.BinaryMarshaler; ptp.Bytes
// falls back to generic binary.Write for those.
func (p *Port) emit(msg ptp.Packet) {
	b, err := ptp.Bytes(msg)
	if err != nil {
		log.WithFields(log.Fields{"port": p.cfg.Port.PortIdentity.String(), "error": err}).Warning("failed to marshal outgoing message")
		return
	}
	if err := p.send.Send(b); err != nil {
		log.WithFields(log.Fields{"port": p.cfg.Port.PortIdentity.String(), "error": err}).Debug("failed to send outgoing message")
	}
}

// onAnnounceReceiptTimeout implements spec.md §4.3's LISTENING contract:
// "on announce-receipt-timeout, either promote to MASTER (if not slave-only
// and clockClass < 255) or restart listening".
func (p *Port) onAnnounceReceiptTimeout() {
	if p.state != ptp.PortStateListening {
		p.reevaluateRole(time.Now())
		return
	}
	if !p.Default.SlaveOnly && p.Default.ClockQuality.ClockClass < 255 {
		p.qualificationTimer = p.cfg.QualificationTimeout
		p.setState(ptp.PortStatePreMaster)
		return
	}
	p.setState(ptp.PortStateListening)
}

// reevaluateRole re-runs BMC's StateDecision against the foreign master
// table and applies the resulting role per spec.md §4.3's Figure 26
// mapping, skipping ports already mid-transition (PRE_MASTER,
// UNCALIBRATED) which have their own timers to expire first.
func (p *Port) reevaluateRole(now time.Time) {
	if p.state == ptp.PortStatePreMaster || p.state == ptp.PortStateInitializing ||
		p.state == ptp.PortStateFaulty || p.state == ptp.PortStateDisabled {
		return
	}

	winner := p.bestForeignMaster()
	local := bmc.LocalDataSet{
		Priority1:     p.Default.Priority1,
		Priority2:     p.Default.Priority2,
		ClockIdentity: p.Default.ClockIdentity,
		ClockQuality:  p.Default.ClockQuality,
		SlaveOnly:     p.Default.SlaveOnly,
	}
	role := bmc.StateDecision(local, winner)

	switch role {
	case bmc.RoleListening:
		if p.state != ptp.PortStateListening {
			p.setState(ptp.PortStateListening)
		}
	case bmc.RoleMaster:
		if p.state != ptp.PortStateMaster && p.state != ptp.PortStatePreMaster {
			p.setState(ptp.PortStateMaster)
		}
	case bmc.RolePassive:
		p.setState(ptp.PortStatePassive)
	case bmc.RoleSlave:
		if p.state != ptp.PortStateSlave && p.state != ptp.PortStateUncalibrated {
			p.adoptParent(winner)
			p.setState(ptp.PortStateUncalibrated)
		}
	}
}

// adoptParent updates parentDS from the winning Announce.
func (p *Port) adoptParent(winner *ptp.Announce) {
	if winner == nil {
		return
	}
	p.Parent = ParentDS{
		ParentPortIdentity:      winner.Header.SourcePortIdentity,
		GrandmasterIdentity:     winner.GrandmasterIdentity,
		GrandmasterClockQuality: winner.GrandmasterClockQuality,
		GrandmasterPriority1:    winner.GrandmasterPriority1,
		GrandmasterPriority2:    winner.GrandmasterPriority2,
	}
	p.Current.StepsRemoved = winner.StepsRemoved + 1
	p.TimeProps.CurrentUTCOffset = winner.CurrentUTCOffset
	p.applyLeapFlags(winner.Header.FlagField)
}

// applyLeapFlags updates leap-second pending state only on entry/exit to
// SLAVE, per spec.md §4.3's leap second handling paragraph. Simultaneously
// asserted leap59/leap61 is a standard violation and forces FAULTY.
func (p *Port) applyLeapFlags(flags uint16) {
	leap59 := flags&ptp.FlagLeap59 != 0
	leap61 := flags&ptp.FlagLeap61 != 0
	if leap59 && leap61 {
		p.setState(ptp.PortStateFaulty)
		return
	}
	p.TimeProps.Leap59 = leap59
	p.TimeProps.Leap61 = leap61
	p.leapPending = leap59 || leap61
}

// bestForeignMaster runs BMC Figure 28 across every qualified foreign
// master record and returns the winner, or nil if the table is empty.
func (p *Port) bestForeignMaster() *ptp.Announce {
	candidates := p.foreign.Qualified()
	var best *ptp.Announce
	for _, c := range candidates {
		if best == nil || bmc.Compare(c, best) == bmc.ABetter {
			best = c
		}
	}
	return best
}

// HandleAnnounce implements spec.md §4.3's Announce handling: add/update
// the ForeignMasterRecord and require qualification before eligibility.
func (p *Port) HandleAnnounce(a *ptp.Announce, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ptp.PortStateDisabled || p.state == ptp.PortStateFaulty {
		return
	}
	p.foreign.Update(*a, now)
	p.resetAnnounceReceiptTimer()
}

// HandleSync implements spec.md §4.3's one-step and two-step Sync handling.
func (p *Port) HandleSync(s *ptp.SyncDelayReq, t2 time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ptp.PortStateSlave && p.state != ptp.PortStateUncalibrated {
		return
	}
	p.syncReceiptTimer = p.cfg.Port.LogSyncInterval.Duration() * 4

	twoStep := s.Header.FlagField&ptp.FlagTwoStep != 0
	if !twoStep {
		p.t1 = s.OriginTimestamp
		p.t2 = ptp.NewTimestamp(t2)
		p.updateOffset()
		return
	}
	p.pendingTwoStepSync[s.Header.SequenceID] = twoStepSync{t2: t2, heardAt: t2}
}

// HandleFollowUp matches a FollowUp to its pending two-step Sync by
// sequenceId, discarding late arrivals outside one announce-interval per
// spec.md §4.3.
func (p *Port) HandleFollowUp(f *ptp.FollowUp, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending, ok := p.pendingTwoStepSync[f.Header.SequenceID]
	if !ok {
		return
	}
	delete(p.pendingTwoStepSync, f.Header.SequenceID)
	if now.Sub(pending.heardAt) > p.cfg.Port.LogAnnounceInterval.Duration() {
		return
	}
	p.t1 = f.PreciseOriginTimestamp
	p.t2 = ptp.NewTimestamp(pending.t2)
	p.updateOffsetWithCorrection(f.Header.CorrectionField)
}

// updateOffset computes offsetFromMaster for a one-step Sync (no
// correctionField contribution beyond what's already in CorrectionField,
// handled by the caller where relevant).
func (p *Port) updateOffset() {
	p.updateOffsetWithCorrection(0)
}

// updateOffsetWithCorrection implements spec.md §4.3's servo input:
// "offsetFromMaster = t2 - t1 - meanPathDelay" (E2E) or using
// peerMeanPathDelay (P2P), with correctionField applied per 1588.
func (p *Port) updateOffsetWithCorrection(correction ptp.Correction) {
	t1 := p.t1.Time()
	t2 := p.t2.Time()
	delay := p.meanPathDelayNS
	if p.cfg.Port.DelayMechanism == DelayMechanismP2P {
		delay = p.peerMeanPathDelayNS
	}
	offsetNS := t2.Sub(t1).Nanoseconds() - delay - int64(correction.Nanoseconds())
	p.Current.OffsetFromMaster = time.Duration(offsetNS)

	tau := p.cfg.Port.LogSyncInterval.Duration()
	if tau <= 0 {
		tau = time.Second
	}
	if err := p.sync.SyncClock(offsetNS, tau); err != nil {
		log.WithFields(log.Fields{"port": p.cfg.Port.PortIdentity.String(), "error": err}).Warning("SyncClock failed")
		p.tsErrorStreak++
		if p.tsErrorStreak >= p.cfg.MaxConsecutiveTSErrors {
			p.setState(ptp.PortStateFaulty)
		}
		return
	}
	p.tsErrorStreak = 0
	if p.state == ptp.PortStateUncalibrated {
		p.setState(ptp.PortStateSlave)
	}
}

// HandleDelayResp implements spec.md §4.3's E2E mean path delay
// computation: meanPathDelay = ((t2-t1)+(t4-t3))/2 - correction.
func (p *Port) HandleDelayResp(r *ptp.DelayResp, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.RequestingPortIdentity != p.cfg.Port.PortIdentity {
		return
	}
	t4 := r.ReceiveTimestamp.Time()
	t1 := p.t1.Time()
	t2 := p.t2.Time()
	t3 := p.t3Sent

	delayNS := (t2.Sub(t1).Nanoseconds() + t4.Sub(t3).Nanoseconds() - int64(r.Header.CorrectionField.Nanoseconds())) / 2
	if p.cfg.MaxDelay > 0 && time.Duration(delayNS) > p.cfg.MaxDelay {
		log.WithField("port", p.cfg.Port.PortIdentity.String()).Debug("discarding Delay_Resp exceeding maxDelay")
		return
	}
	filtered := p.delayFilter.admitOffset(float64(delayNS), now)
	p.meanPathDelayNS = int64(p.delayFilter.smoothDelay(filtered))
}

// HandlePDelayReqAsPeer implements the peer-responder half of spec.md
// §4.3's P2P mechanism: timestamp receipt (t2) and reply with the send
// timestamp (t3) via PDelay_Resp, letting the requester complete the
// four-timestamp exchange.
func (p *Port) HandlePDelayReqAsPeer(req *ptp.PDelayReq, t2 time.Time, respond func(resp *ptp.PDelayResp) error) error {
	resp := &ptp.PDelayResp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessagePDelayResp, 0),
			SourcePortIdentity: p.cfg.Port.PortIdentity,
			SequenceID:         req.Header.SequenceID,
		},
		PDelayRespBody: ptp.PDelayRespBody{
			RequestReceiptTimestamp: ptp.NewTimestamp(t2),
			RequestingPortIdentity:  req.Header.SourcePortIdentity,
		},
	}
	return respond(resp)
}

// HandlePDelayResp records t2/t3 from the peer's reply (t1 was recorded
// when this port sent its own PDelay_Req).
func (p *Port) HandlePDelayResp(resp *ptp.PDelayResp, t4 time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if resp.Header.SequenceID != p.pdelaySeq {
		return
	}
	// link delay needs t3 from the upcoming PDelay_Resp_FollowUp; stash t4
	// and the peer's t2 until then.
	p.pendingPDelayResp = &pendingPDelay{t2: resp.RequestReceiptTimestamp, t4: t4}
}

type pendingPDelay struct {
	t2 ptp.Timestamp
	t4 time.Time
}

// HandlePDelayRespFollowUp completes the P2P exchange: link delay =
// ((t4-t1)-(t3-t2))/2, per spec.md §4.3.
func (p *Port) HandlePDelayRespFollowUp(f *ptp.PDelayRespFollowUp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingPDelayResp == nil || f.Header.SequenceID != p.pdelaySeq {
		return
	}
	t1 := p.pdelayT1.Time()
	t2 := p.pendingPDelayResp.t2.Time()
	t3 := f.ResponseOriginTimestamp.Time()
	t4 := p.pendingPDelayResp.t4

	delayNS := (t4.Sub(t1).Nanoseconds() - t3.Sub(t2).Nanoseconds()) / 2
	p.peerMeanPathDelayNS = delayNS
	p.pendingPDelayResp = nil
}
