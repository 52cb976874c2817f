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

// Package admission implements the peer-admission state machine described
// in SPEC_FULL.md §4.5: the broker-side handshake driving a newly
// connected peer through initial-info delivery, mutual notifier
// advertisement, and the self-echo sentinel; and the peer-side mirror
// that collects batches until it receives its own id.
package admission

import (
	"github.com/pkg/errors"

	"github.com/famez/ivshmsg/internal/dispatch"
	"github.com/famez/ivshmsg/internal/mailbox"
	"github.com/famez/ivshmsg/internal/notifier"
	"github.com/famez/ivshmsg/internal/registry"
	"github.com/famez/ivshmsg/internal/wire"
)

// ProtocolVersion is the IVSHMEM client-server protocol revision this
// broker speaks.
const ProtocolVersion = 0

// Broker drives new connections through admission.
type Broker struct {
	Registry *registry.Registry
	Mailbox  *mailbox.Region
	SelfVec  []*notifier.Notifier // non-nil only in fabric-management ("not silent") mode
	Logf     func(format string, args ...interface{})
}

func (b *Broker) log(format string, args ...interface{}) {
	if b.Logf != nil {
		b.Logf(format, args...)
	}
}

// Admit runs the full broker-side handshake for a freshly accepted
// connection sock. On success it returns the admitted Peer; the caller is
// responsible for registering the peer's read-ends and socket with the
// reactor and, eventually, calling Depart on disconnect.
func (b *Broker) Admit(sock int) (*registry.Peer, error) {
	id, sid0, cid0 := b.Registry.AllocateID()
	if id == -1 {
		b.log("admission: max clients reached, sending bad version")
		wire.Send(sock, -1, -1)
		return nil, errors.New("max clients reached")
	}

	recycledPeer, recycled := b.Registry.TakeRecycled(id)

	var vec []*notifier.Notifier
	if recycled {
		vec = recycledPeer.Notifiers
	} else {
		var err error
		vec, err = notifier.List(b.Mailbox.NEvents())
		if err != nil {
			wire.Send(sock, -1, -1)
			return nil, errors.Wrap(err, "allocating notifier vector")
		}
	}

	if err := b.sendInitialInfo(sock, id); err != nil {
		return nil, errors.Wrap(err, "sending initial info")
	}

	others := b.Registry.Ordered()

	if !recycled {
		for _, other := range others {
			for _, n := range vec {
				if err := wire.Send(other.Sock, int64(id), n.FD()); err != nil {
					b.log("advertising new peer %d to peer %d: %v", id, other.ID, err)
				}
			}
		}
	}

	for _, other := range others {
		for _, n := range other.Notifiers {
			if err := wire.Send(sock, int64(other.ID), n.FD()); err != nil {
				return nil, errors.Wrap(err, "advertising existing peer")
			}
		}
	}

	if b.SelfVec != nil {
		for _, n := range b.SelfVec {
			if err := wire.Send(sock, int64(b.Registry.ServerID), n.FD()); err != nil {
				return nil, errors.Wrap(err, "advertising server")
			}
		}
	}

	for _, n := range vec {
		if err := wire.Send(sock, int64(id), n.FD()); err != nil {
			return nil, errors.Wrap(err, "sentinel self-advertisement")
		}
	}

	p := &registry.Peer{
		ID:        id,
		Sock:      sock,
		Notifiers: vec,
		Attrs:     map[string]string{"CID0": "0", "SID0": "0", "cclass": "Driverless QEMU"},
		SID0:      sid0,
		CID0:      cid0,
	}
	b.Mailbox.SetCclass(id, p.Attrs["cclass"])
	b.Registry.Insert(p)
	return p, nil
}

func (b *Broker) sendInitialInfo(sock int, id int) error {
	if err := wire.Send(sock, ProtocolVersion, -1); err != nil {
		return err
	}
	if err := wire.Send(sock, int64(id), -1); err != nil {
		return err
	}
	return wire.Send(sock, -1, b.Mailbox.FD())
}

// Depart fans out the disconnect notification to survivors and either
// parks the peer's notifier vector in the recycle cache or closes it.
func (b *Broker) Depart(p *registry.Peer) {
	b.Mailbox.Clear(p.ID)
	parked := b.Registry.Remove(p.ID)
	for _, other := range b.Registry.Ordered() {
		if err := wire.Send(other.Sock, int64(p.ID), -1); err != nil {
			b.log("notifying peer %d of %d's departure: %v", other.ID, p.ID, err)
		}
	}
	if !parked {
		for _, n := range p.Notifiers {
			n.Close()
		}
	}
}

// IdentityFor builds the dispatch.Identity the broker hands a per-peer
// response context, seeded from fabric-management defaults.
func IdentityFor(serverID int, smart bool) *dispatch.Identity {
	id := &dispatch.Identity{CClass: "FabricSwitch"}
	if smart {
		id.SID0 = 27
		id.CID0 = serverID * 100
		id.IsPFM = true
	}
	return id
}
