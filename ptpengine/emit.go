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
	"time"

	ptp "github.com/tickwell/ptpd/ptp/protocol"
)

// BuildAnnounce constructs the Announce message a MASTER-state port emits
// at 2^logAnnounceInterval seconds, per spec.md §4.3.
func (p *Port) BuildAnnounce(now time.Time) *ptp.Announce {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buildAnnounceLocked(now)
}

func (p *Port) buildAnnounceLocked(now time.Time) *ptp.Announce {
	p.announceSeq++
	return &ptp.Announce{
		Header: ptp.Header{
			SdoIDAndMsgType:     ptp.NewSdoIDAndMsgType(ptp.MessageAnnounce, 0),
			Version:             ptp.Version,
			SourcePortIdentity:  p.cfg.Port.PortIdentity,
			SequenceID:          p.announceSeq,
			LogMessageInterval:  p.cfg.Port.LogAnnounceInterval,
			FlagField:           p.TimeProps.FlagField(),
		},
		AnnounceBody: ptp.AnnounceBody{
			OriginTimestamp:         ptp.NewTimestamp(now),
			CurrentUTCOffset:        p.TimeProps.CurrentUTCOffset,
			GrandmasterPriority1:    p.Default.Priority1,
			GrandmasterClockQuality: p.Default.ClockQuality,
			GrandmasterPriority2:    p.Default.Priority2,
			GrandmasterIdentity:     p.Default.ClockIdentity,
			StepsRemoved:            0,
			TimeSource:              p.TimeProps.TimeSource,
		},
	}
}

// BuildSync constructs the Sync message a MASTER-state port emits at
// 2^logSyncInterval seconds. For a two-step clock the precise origin
// timestamp travels in the companion FollowUp built by BuildFollowUp.
func (p *Port) BuildSync(now time.Time, twoStep bool) *ptp.SyncDelayReq {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buildSyncLocked(now, twoStep)
}

func (p *Port) buildSyncLocked(now time.Time, twoStep bool) *ptp.SyncDelayReq {
	p.syncSeq++
	flags := uint16(0)
	if twoStep {
		flags |= ptp.FlagTwoStep
	}
	origin := ptp.Timestamp{}
	if !twoStep {
		origin = ptp.NewTimestamp(now)
	}
	return &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0),
			Version:            ptp.Version,
			SourcePortIdentity: p.cfg.Port.PortIdentity,
			SequenceID:         p.syncSeq,
			FlagField:          flags,
			LogMessageInterval: p.cfg.Port.LogSyncInterval,
		},
		SyncDelayReqBody: ptp.SyncDelayReqBody{OriginTimestamp: origin},
	}
}

// BuildFollowUp constructs the companion FollowUp for a two-step Sync,
// carrying the precise hardware-timestamped origin time.
func (p *Port) BuildFollowUp(seq uint16, preciseOrigin time.Time) *ptp.FollowUp {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &ptp.FollowUp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageFollowUp, 0),
			Version:            ptp.Version,
			SourcePortIdentity: p.cfg.Port.PortIdentity,
			SequenceID:         seq,
		},
		FollowUpBody: ptp.FollowUpBody{PreciseOriginTimestamp: ptp.NewTimestamp(preciseOrigin)},
	}
}

// HandleDelayReqAsMaster implements the master-side half of spec.md §4.3's
// E2E mechanism: timestamp receipt (t4) and reply with Delay_Resp.
func (p *Port) HandleDelayReqAsMaster(req *ptp.SyncDelayReq, t4 time.Time) *ptp.DelayResp {
	return &ptp.DelayResp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageDelayResp, 0),
			Version:            ptp.Version,
			SourcePortIdentity: p.cfg.Port.PortIdentity,
			SequenceID:         req.Header.SequenceID,
		},
		DelayRespBody: ptp.DelayRespBody{
			ReceiveTimestamp:       ptp.NewTimestamp(t4),
			RequestingPortIdentity: req.Header.SourcePortIdentity,
		},
	}
}

// SendDelayReq builds the Delay_Req a SLAVE-state port emits per
// logMinDelayReqInterval, recording t3 for the later Delay_Resp match.
func (p *Port) SendDelayReq(now time.Time) *ptp.SyncDelayReq {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buildDelayReqLocked(now)
}

func (p *Port) buildDelayReqLocked(now time.Time) *ptp.SyncDelayReq {
	p.delayReqSeq++
	p.t3Sent = now
	return &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageDelayReq, 0),
			Version:            ptp.Version,
			SourcePortIdentity: p.cfg.Port.PortIdentity,
			SequenceID:         p.delayReqSeq,
		},
		SyncDelayReqBody: ptp.SyncDelayReqBody{OriginTimestamp: ptp.NewTimestamp(now)},
	}
}

// SendPDelayReq builds the PDelay_Req this port emits per
// logMinPdelayReqInterval, recording t1 for the later PDelay_Resp match.
func (p *Port) SendPDelayReq(now time.Time) *ptp.PDelayReq {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buildPDelayReqLocked(now)
}

func (p *Port) buildPDelayReqLocked(now time.Time) *ptp.PDelayReq {
	p.pdelaySeq++
	p.pdelayT1 = ptp.NewTimestamp(now)
	return &ptp.PDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessagePDelayReq, 0),
			Version:            ptp.Version,
			SourcePortIdentity: p.cfg.Port.PortIdentity,
			SequenceID:         p.pdelaySeq,
		},
		PDelayReqBody: ptp.PDelayReqBody{OriginTimestamp: ptp.NewTimestamp(now)},
	}
}
