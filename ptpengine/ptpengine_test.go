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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ptp "github.com/tickwell/ptpd/ptp/protocol"
)

type fakeSync struct {
	lastOffset int64
	lastTau    time.Duration
	err        error
}

func (f *fakeSync) SyncClock(offsetNS int64, tau time.Duration) error {
	f.lastOffset = offsetNS
	f.lastTau = tau
	return f.err
}

type fakeSender struct{ sent [][]byte }

func (f *fakeSender) Send(b []byte) error {
	f.sent = append(f.sent, b)
	return nil
}

func testConfig(portNum uint16) Config {
	return Config{
		Port: PortDS{
			PortIdentity:           ptp.PortIdentity{ClockIdentity: 1, PortNumber: portNum},
			AnnounceReceiptTimeout: 3,
			LogAnnounceInterval:    0, // 1s
			LogSyncInterval:        0,
		},
		ForeignMasterCapacity:  3,
		QualificationTimeout:   2 * time.Second,
		MaxConsecutiveTSErrors: 3,
		MADWindowSize:          8,
		MADMax:                 5.0,
		MADDelay:               3,
	}
}

func TestForeignMasterTableEvictsOldestOnOverflow(t *testing.T) {
	table := NewForeignMasterTable(2)
	now := time.Now()
	a1 := ptp.Announce{Header: ptp.Header{SourcePortIdentity: ptp.PortIdentity{ClockIdentity: 1, PortNumber: 1}}}
	a2 := ptp.Announce{Header: ptp.Header{SourcePortIdentity: ptp.PortIdentity{ClockIdentity: 2, PortNumber: 1}}}
	a3 := ptp.Announce{Header: ptp.Header{SourcePortIdentity: ptp.PortIdentity{ClockIdentity: 3, PortNumber: 1}}}

	table.Update(a1, now)
	table.Update(a2, now.Add(time.Second))
	table.Update(a3, now.Add(2*time.Second))

	require.Equal(t, 2, table.Len())
	_, stillPresent := table.records[a1.Header.SourcePortIdentity]
	require.False(t, stillPresent)
}

func TestForeignMasterRequiresTwoAnnouncesToQualify(t *testing.T) {
	table := NewForeignMasterTable(5)
	now := time.Now()
	a := ptp.Announce{Header: ptp.Header{SourcePortIdentity: ptp.PortIdentity{ClockIdentity: 9, PortNumber: 1}}}
	table.Update(a, now)
	require.Empty(t, table.Qualified())
	table.Update(a, now.Add(time.Second))
	require.Len(t, table.Qualified(), 1)
}

func TestForeignMasterPurgeRemovesStaleRecords(t *testing.T) {
	table := NewForeignMasterTable(5)
	now := time.Now()
	a := ptp.Announce{Header: ptp.Header{SourcePortIdentity: ptp.PortIdentity{ClockIdentity: 9, PortNumber: 1}}}
	table.Update(a, now)
	table.Purge(now.Add(10*time.Second), 5*time.Second)
	require.Equal(t, 0, table.Len())
}

func TestPortPromotesToMasterWhenNoForeignMasters(t *testing.T) {
	cfg := testConfig(1)
	d := DefaultDS{ClockIdentity: 1, Priority1: 128, ClockQuality: ptp.ClockQuality{ClockClass: 6}}
	p := NewPort(cfg, d, &fakeSync{}, &fakeSender{})
	p.Initialize()
	require.Equal(t, ptp.PortStateListening, p.State())

	// announceReceiptTimeout (3) * logAnnounceInterval (1s) = 3s to expire
	// LISTENING into PRE_MASTER; ticking in small increments (rather than
	// one large jump) exercises the timer countdown instead of skipping
	// straight past PRE_MASTER's own qualificationTimeout.
	now := time.Now()
	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		p.Tick(now, time.Second)
	}
	require.Equal(t, ptp.PortStatePreMaster, p.State())

	// qualificationTimeout is 2s; one more second-granularity tick should
	// not yet be enough, the next one should cross it into MASTER.
	now = now.Add(time.Second)
	p.Tick(now, time.Second)
	require.Equal(t, ptp.PortStatePreMaster, p.State())

	now = now.Add(time.Second)
	p.Tick(now, time.Second)
	require.Equal(t, ptp.PortStateMaster, p.State())
}

func TestPortSlaveOnlyNeverBecomesMaster(t *testing.T) {
	cfg := testConfig(1)
	d := DefaultDS{ClockIdentity: 1, SlaveOnly: true, ClockQuality: ptp.ClockQuality{ClockClass: 255}}
	p := NewPort(cfg, d, &fakeSync{}, &fakeSender{})
	p.Initialize()
	p.Tick(time.Now(), 10*time.Second)
	require.Equal(t, ptp.PortStateListening, p.State())
}

func TestPortAdoptsBetterForeignMasterAsSlave(t *testing.T) {
	cfg := testConfig(1)
	d := DefaultDS{ClockIdentity: 1, Priority1: 200, ClockQuality: ptp.ClockQuality{ClockClass: 200}}
	sync := &fakeSync{}
	p := NewPort(cfg, d, sync, &fakeSender{})
	p.Initialize()

	now := time.Now()
	winner := &ptp.Announce{
		Header: ptp.Header{SourcePortIdentity: ptp.PortIdentity{ClockIdentity: 2, PortNumber: 1}},
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterIdentity:     2,
			GrandmasterPriority1:    1,
			GrandmasterClockQuality: ptp.ClockQuality{ClockClass: 6},
		},
	}
	p.HandleAnnounce(winner, now)
	p.HandleAnnounce(winner, now.Add(time.Second))
	p.Tick(now.Add(2*time.Second), time.Millisecond)
	require.Equal(t, ptp.PortStateUncalibrated, p.State())
}

func TestUpdateOffsetFeedsClockSync(t *testing.T) {
	cfg := testConfig(1)
	d := DefaultDS{ClockIdentity: 1}
	sync := &fakeSync{}
	p := NewPort(cfg, d, sync, &fakeSender{})
	p.state = ptp.PortStateSlave

	base := time.Unix(1_700_000_000, 0)
	p.t1 = ptp.NewTimestamp(base)
	p.t2 = ptp.NewTimestamp(base.Add(500 * time.Millisecond))
	p.meanPathDelayNS = 1000

	p.updateOffset()
	require.Equal(t, int64(500*time.Millisecond)-1000, sync.lastOffset)
}

func TestHandleDelayRespComputesMeanPathDelay(t *testing.T) {
	cfg := testConfig(1)
	d := DefaultDS{ClockIdentity: 1}
	sync := &fakeSync{}
	p := NewPort(cfg, d, sync, &fakeSender{})
	p.state = ptp.PortStateSlave

	base := time.Unix(1_700_000_000, 0)
	p.t1 = ptp.NewTimestamp(base)
	p.t2 = ptp.NewTimestamp(base.Add(100 * time.Millisecond))
	p.t3Sent = base.Add(200 * time.Millisecond)

	resp := &ptp.DelayResp{
		DelayRespBody: ptp.DelayRespBody{
			ReceiveTimestamp:       ptp.NewTimestamp(base.Add(350 * time.Millisecond)),
			RequestingPortIdentity: p.cfg.Port.PortIdentity,
		},
	}
	p.HandleDelayResp(resp, base.Add(400*time.Millisecond))
	require.Greater(t, p.meanPathDelayNS, int64(0))
}

func TestPDelayExchangeComputesLinkDelay(t *testing.T) {
	cfg := testConfig(1)
	d := DefaultDS{ClockIdentity: 1}
	p := NewPort(cfg, d, &fakeSync{}, &fakeSender{})

	base := time.Unix(1_700_000_000, 0)
	p.pdelaySeq = 1
	p.pdelayT1 = ptp.NewTimestamp(base)

	resp := &ptp.PDelayResp{
		Header: ptp.Header{SequenceID: 1},
		PDelayRespBody: ptp.PDelayRespBody{
			RequestReceiptTimestamp: ptp.NewTimestamp(base.Add(10 * time.Millisecond)),
		},
	}
	p.HandlePDelayResp(resp, base.Add(40*time.Millisecond))

	fu := &ptp.PDelayRespFollowUp{
		Header: ptp.Header{SequenceID: 1},
		PDelayRespFollowUpBody: ptp.PDelayRespFollowUpBody{
			ResponseOriginTimestamp: ptp.NewTimestamp(base.Add(20 * time.Millisecond)),
		},
	}
	p.HandlePDelayRespFollowUp(fu)
	// link delay = ((t4-t1) - (t3-t2)) / 2 = ((40ms-0) - (20ms-10ms)) / 2 = 15ms
	require.Equal(t, int64(15*time.Millisecond), p.peerMeanPathDelayNS)
}

func messageType(b []byte) ptp.MessageType {
	return ptp.MessageType(b[0] & 0x0f)
}

func TestMasterPortEmitsAnnounceAndSyncOnCadence(t *testing.T) {
	cfg := testConfig(1)
	sender := &fakeSender{}
	p := NewPort(cfg, DefaultDS{ClockIdentity: 1}, &fakeSync{}, sender)
	p.state = ptp.PortStateMaster
	p.announceSendTimer = time.Second
	p.syncSendTimer = time.Second

	now := time.Now()
	p.tickEmission(now, 500*time.Millisecond)
	require.Empty(t, sender.sent, "neither timer should have expired yet")

	p.tickEmission(now, 600*time.Millisecond)
	require.Len(t, sender.sent, 2, "both Announce and Sync should have fired")

	var sawAnnounce, sawSync bool
	for _, b := range sender.sent {
		switch messageType(b) {
		case ptp.MessageAnnounce:
			sawAnnounce = true
		case ptp.MessageSync:
			sawSync = true
		}
	}
	require.True(t, sawAnnounce)
	require.True(t, sawSync)

	// timers should have reset to a full interval rather than staying expired
	require.Greater(t, p.announceSendTimer, time.Duration(0))
	require.Greater(t, p.syncSendTimer, time.Duration(0))
}

func TestListeningPortEmitsNoMasterTrafficButDoesEmitPDelayReqUnderP2P(t *testing.T) {
	cfg := testConfig(1)
	cfg.Port.DelayMechanism = DelayMechanismP2P
	sender := &fakeSender{}
	p := NewPort(cfg, DefaultDS{ClockIdentity: 1}, &fakeSync{}, sender)
	p.state = ptp.PortStateListening
	p.pdelaySendTimer = time.Second
	p.announceSendTimer = time.Second
	p.syncSendTimer = time.Second

	p.tickEmission(time.Now(), 2*time.Second)

	require.Len(t, sender.sent, 1, "only the PDelay_Req should fire while LISTENING")
	require.Equal(t, ptp.MessagePDelayReq, messageType(sender.sent[0]))
}

func TestSlavePortEmitsDelayReqUnderE2EButNotP2PMechanism(t *testing.T) {
	cfg := testConfig(1)
	sender := &fakeSender{}
	p := NewPort(cfg, DefaultDS{ClockIdentity: 1}, &fakeSync{}, sender)
	p.state = ptp.PortStateSlave
	p.delayReqTimer = time.Second

	p.tickEmission(time.Now(), 2*time.Second)

	require.Len(t, sender.sent, 1)
	require.Equal(t, ptp.MessageDelayReq, messageType(sender.sent[0]))
}

func TestDisabledPortNeverEmitsPeerDelayRequest(t *testing.T) {
	cfg := testConfig(1)
	cfg.Port.DelayMechanism = DelayMechanismP2P
	sender := &fakeSender{}
	p := NewPort(cfg, DefaultDS{ClockIdentity: 1}, &fakeSync{}, sender)
	p.state = ptp.PortStateDisabled
	p.pdelaySendTimer = time.Second

	p.tickEmission(time.Now(), 2*time.Second)

	require.Empty(t, sender.sent)
}
