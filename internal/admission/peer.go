// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package admission

import (
	"github.com/pkg/errors"

	"github.com/famez/ivshmsg/internal/mailbox"
	"github.com/famez/ivshmsg/internal/notifier"
	"github.com/famez/ivshmsg/internal/wire"
)

// PeerInfo is what a peer learns about a fabric member (itself, another
// peer, or the server) during the initial batch collection.
type PeerInfo struct {
	ID        int
	Notifiers []*notifier.Notifier
}

// Doorbell returns the fd a sender with the given id must ring to wake
// this fabric member.
func (p *PeerInfo) Doorbell(senderID int) *notifier.Notifier {
	return p.Notifiers[senderID]
}

// PeerSession is the state a connecting peer accumulates while it waits
// for the broker to echo its own id, the sentinel marking batch
// completion per SPEC_FULL.md §4.5.
type PeerSession struct {
	Version   int64
	SelfID    int
	MailboxFD int
	Mailbox   *mailbox.Region

	peers map[int]*PeerInfo
	order []int
}

// Collect runs the peer side of admission against sock: it reads the
// three-frame initial info, opens the mailbox region to learn NEvents, then
// absorbs (id, notifierFD) pairs until the SelfID batch reaches NEvents
// frames, which completes the handshake.
func Collect(sock int) (*PeerSession, error) {
	versionFrame, err := wire.Recv(sock)
	if err != nil {
		return nil, errors.Wrap(err, "reading protocol version")
	}
	if versionFrame.Payload != ProtocolVersion {
		return nil, errors.Errorf("unsupported protocol version %d", versionFrame.Payload)
	}

	idFrame, err := wire.Recv(sock)
	if err != nil {
		return nil, errors.Wrap(err, "reading assigned id")
	}
	if idFrame.Payload < 0 {
		return nil, errors.New("broker rejected connection: fabric is full")
	}

	mbFrame, err := wire.Recv(sock)
	if err != nil {
		return nil, errors.Wrap(err, "reading mailbox fd")
	}
	if mbFrame.FD < 0 {
		return nil, errors.New("broker did not send a mailbox descriptor")
	}

	mb, err := mailbox.OpenPeer(mbFrame.FD)
	if err != nil {
		return nil, errors.Wrap(err, "opening mailbox")
	}

	s := &PeerSession{
		Version:   versionFrame.Payload,
		SelfID:    int(idFrame.Payload),
		MailboxFD: mbFrame.FD,
		Mailbox:   mb,
		peers:     make(map[int]*PeerInfo),
	}

	// The broker's final batch advertises our own id, repeated NEvents
	// times (one notifier per fabric slot). Keep absorbing frames for
	// that batch until it reaches full length; a shorter run just means
	// another peer or the server is still being advertised.
	for {
		f, err := wire.Recv(sock)
		if err != nil {
			return nil, errors.Wrap(err, "reading peer batch")
		}
		id := int(f.Payload)
		info, ok := s.peers[id]
		if !ok {
			info = &PeerInfo{ID: id}
			s.peers[id] = info
			s.order = append(s.order, id)
		}
		info.Notifiers = append(info.Notifiers, notifier.FromFD(f.FD))

		if id == s.SelfID && len(info.Notifiers) == mb.NEvents() {
			break
		}
	}

	return s, nil
}

// Peers returns the collected fabric members in the order their first
// frame arrived.
func (s *PeerSession) Peers() []*PeerInfo {
	out := make([]*PeerInfo, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.peers[id])
	}
	return out
}

// Self returns this peer's own notifier vector, the one it signals
// through to reach itself in a loopback ping.
func (s *PeerSession) Self() *PeerInfo {
	return s.peers[s.SelfID]
}

// Get looks up a collected fabric member by id.
func (s *PeerSession) Get(id int) (*PeerInfo, bool) {
	info, ok := s.peers[id]
	return info, ok
}

// HandleDeparture absorbs a (id, -1) disconnect frame received after the
// initial handshake, removing the departed peer's bookkeeping and
// returning its notifiers so the caller can close them.
func (s *PeerSession) HandleDeparture(f wire.Frame) []*notifier.Notifier {
	id := int(f.Payload)
	info, ok := s.peers[id]
	if !ok {
		return nil
	}
	delete(s.peers, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return info.Notifiers
}

// AddArrival absorbs a newcomer's (id, notifierFD) frames received after
// the initial handshake is complete.
func (s *PeerSession) AddArrival(f wire.Frame) {
	id := int(f.Payload)
	info, ok := s.peers[id]
	if !ok {
		info = &PeerInfo{ID: id}
		s.peers[id] = info
		s.order = append(s.order, id)
	}
	info.Notifiers = append(info.Notifiers, notifier.FromFD(f.FD))
}
