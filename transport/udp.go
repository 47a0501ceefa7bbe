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

// Package transport implements spec.md §6's event/general UDP sockets: the
// multicast groups, 319/320 port split, and receive-timestamping it names,
// wired to satisfy engine.Transport.
//
// Grounded on the teacher's timestamp package (timestamp.ConnFd,
// EnableSWTimestampsRx/EnableHWTimestampsRx, ReadPacketWithRXTimestampBuf),
// which the teacher itself only ever wires into unicast sockets
// (ptp/ptp4u, ntp/responder) — this is the first consumer in the tree that
// uses it for PTP's own event/general split. Two goroutines (one per
// socket) feeding a shared channel stand in for the "readiness
// multiplexer" spec.md §5 describes; a raw select/poll syscall has no
// natural Go expression as clean as letting the runtime's netpoller do
// that job per-goroutine and multiplexing with a channel instead.
package transport

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	ptp "github.com/tickwell/ptpd/ptp/protocol"
	"github.com/tickwell/ptpd/timestamp"
)

// EventPort and GeneralPort are spec.md §6's fixed UDP ports for PTP event
// and general messages.
const (
	EventPort   = 319
	GeneralPort = 320
)

// MulticastGroupIPv4 and PeerDelayGroupIPv4 are spec.md §6's IPv4 multicast
// groups for all-PTP and peer-delay traffic respectively.
const (
	MulticastGroupIPv4 = "224.0.1.129"
	PeerDelayGroupIPv4 = "224.0.0.107"
)

// Message is one decoded, receive-timestamped PTP datagram handed to a
// Dispatcher.
type Message struct {
	Packet ptp.Packet
	RxTime time.Time
	Event  bool // true if received on the event (319) socket
}

// Dispatcher routes a decoded Message to whichever Port owns it (by
// destination address/domain), named separately from transport since only
// the caller wiring up Ports knows that routing.
type Dispatcher interface {
	Dispatch(Message)
}

// UDP implements engine.Transport over the event (319) and general (320)
// PTP multicast sockets.
type UDP struct {
	event, general *net.UDPConn

	dispatch Dispatcher
	msgs     chan Message
	stop     chan struct{}
}

// NewUDP opens and configures the event/general sockets on iface, joining
// the all-PTP multicast group, and starts their receive loops feeding
// dispatch. hwTimestamps selects EnableHWTimestampsRx over
// EnableSWTimestampsRx, matching the teacher's -timestamptype flag
// (cmd/ptp4u/main.go, cmd/ntpresponder/main.go).
func NewUDP(iface *net.Interface, hwTimestamps bool, dispatch Dispatcher) (*UDP, error) {
	event, err := listenMulticast(iface, EventPort)
	if err != nil {
		return nil, fmt.Errorf("transport: binding event socket: %w", err)
	}
	general, err := listenMulticast(iface, GeneralPort)
	if err != nil {
		event.Close()
		return nil, fmt.Errorf("transport: binding general socket: %w", err)
	}

	for _, conn := range []*net.UDPConn{event, general} {
		fd, err := timestamp.ConnFd(conn)
		if err != nil {
			event.Close()
			general.Close()
			return nil, fmt.Errorf("transport: getting socket fd: %w", err)
		}
		if hwTimestamps {
			err = timestamp.EnableHWTimestampsRx(fd, iface)
		} else {
			err = timestamp.EnableSWTimestampsRx(fd)
		}
		if err != nil {
			event.Close()
			general.Close()
			return nil, fmt.Errorf("transport: enabling rx timestamps: %w", err)
		}
	}

	u := &UDP{
		event:    event,
		general:  general,
		dispatch: dispatch,
		msgs:     make(chan Message, 64),
		stop:     make(chan struct{}),
	}

	eventFd, _ := timestamp.ConnFd(event)
	generalFd, _ := timestamp.ConnFd(general)
	go u.readLoop(eventFd, true)
	go u.readLoop(generalFd, false)

	return u, nil
}

func listenMulticast(iface *net.Interface, port int) (*net.UDPConn, error) {
	group := net.ParseIP(MulticastGroupIPv4)
	return net.ListenMulticastUDP("udp4", iface, &net.UDPAddr{IP: group, Port: port})
}

// readLoop blocks reading connFd until Close, decoding each datagram and
// pushing it onto msgs for Poll to pick up.
func (u *UDP) readLoop(connFd int, event bool) {
	buf := make([]byte, 1500)
	oob := make([]byte, 512)
	for {
		select {
		case <-u.stop:
			return
		default:
		}

		n, _, rx, err := timestamp.ReadPacketWithRXTimestampBuf(connFd, buf, oob)
		if err != nil {
			log.WithFields(log.Fields{"component": "transport", "error": err}).Debug("read failed")
			continue
		}
		pkt, err := ptp.DecodePacket(buf[:n])
		if err != nil {
			log.WithFields(log.Fields{"component": "transport", "error": err}).Warning("malformed datagram dropped")
			continue
		}
		select {
		case u.msgs <- Message{Packet: pkt, RxTime: rx, Event: event}:
		case <-u.stop:
			return
		}
	}
}

// Poll implements engine.Transport: wait up to timeout for one decoded
// datagram and dispatch it, or return promptly if none arrives.
func (u *UDP) Poll(timeout time.Duration) error {
	select {
	case m := <-u.msgs:
		u.dispatch.Dispatch(m)
		return nil
	case <-time.After(timeout):
		return nil
	}
}

// Close stops both receive loops and closes both sockets.
func (u *UDP) Close() error {
	close(u.stop)
	err1 := u.event.Close()
	err2 := u.general.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// EventSender and GeneralSender return ptpengine.Sender adapters writing to
// the all-PTP multicast group on the event/general port respectively, for
// wiring into ptpengine.NewPort.
func (u *UDP) EventSender() *multicastSender {
	return &multicastSender{conn: u.event, dest: &net.UDPAddr{IP: net.ParseIP(MulticastGroupIPv4), Port: EventPort}}
}

func (u *UDP) GeneralSender() *multicastSender {
	return &multicastSender{conn: u.general, dest: &net.UDPAddr{IP: net.ParseIP(MulticastGroupIPv4), Port: GeneralPort}}
}

// multicastSender implements ptpengine.Sender: each send runs under a 1ms
// write deadline, so a send that cannot go out (EAGAIN on a full socket
// buffer) is dropped and counted instead of blocking the caller.
type multicastSender struct {
	conn    *net.UDPConn
	dest    *net.UDPAddr
	dropped uint64
}

func (s *multicastSender) Send(b []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return err
	}
	_, err := s.conn.WriteToUDP(b, s.dest)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			s.dropped++
			return nil
		}
		return err
	}
	return nil
}

// Dropped reports the non-blocking send EAGAIN/timeout drop counter.
func (s *multicastSender) Dropped() uint64 { return s.dropped }
