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

// Package registry tracks broker-side peer bookkeeping: admitted peers,
// their sockets and notifier vectors, and the optional recycle cache that
// preserves a disconnected peer's notifiers across a reconnect with the
// same id.
package registry

import (
	"math/rand"

	"github.com/famez/ivshmsg/internal/notifier"
)

// Peer is one admitted fabric participant as seen by the broker.
type Peer struct {
	ID        int
	Sock      int
	Notifiers []*notifier.Notifier // Notifiers[j]: the doorbell this peer reads to learn sender j has mail
	Attrs     map[string]string
	SID0      int
	CID0      int
}

// Doorbell returns the fd a sender with the given id must ring to wake
// this peer, i.e. the id-th entry of its own notifier vector.
func (p *Peer) Doorbell(senderID int) *notifier.Notifier {
	return p.Notifiers[senderID]
}

// Registry is the broker's live peer table plus the recycle cache. It is
// touched only from the reactor's single goroutine — no locking.
type Registry struct {
	ServerID int
	NClients int
	Smart    bool
	DefaultSID int

	order     []int // insertion order, for deterministic advertisement
	clients   map[int]*Peer
	recycle   map[int]*Peer // nil when recycling is disabled
	shutdown  bool
}

// New builds an empty registry. recycleEnabled mirrors the broker's
// --norecycle flag (negated).
func New(serverID, nClients int, smart, recycleEnabled bool) *Registry {
	r := &Registry{
		ServerID:   serverID,
		NClients:   nClients,
		Smart:      smart,
		DefaultSID: 27,
		clients:    make(map[int]*Peer),
	}
	if recycleEnabled {
		r.recycle = make(map[int]*Peer)
	}
	return r
}

// Get looks up an admitted peer by id.
func (r *Registry) Get(id int) (*Peer, bool) {
	p, ok := r.clients[id]
	return p, ok
}

// Recycled looks up (and does not remove) a parked peer by id.
func (r *Registry) Recycled(id int) (*Peer, bool) {
	if r.recycle == nil {
		return nil, false
	}
	p, ok := r.recycle[id]
	return p, ok
}

// TakeRecycled removes and returns a parked peer, if any.
func (r *Registry) TakeRecycled(id int) (*Peer, bool) {
	p, ok := r.Recycled(id)
	if ok {
		delete(r.recycle, id)
	}
	return p, ok
}

// Ordered returns admitted peers in insertion order.
func (r *Registry) Ordered() []*Peer {
	out := make([]*Peer, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.clients[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Insert admits a peer.
func (r *Registry) Insert(p *Peer) {
	if _, exists := r.clients[p.ID]; !exists {
		r.order = append(r.order, p.ID)
	}
	r.clients[p.ID] = p
}

// Remove drops a peer from the live table. If recycling is enabled and the
// broker isn't shutting down, the peer is parked instead of discarded and
// Remove returns true for "parked" so the caller knows not to close its
// notifiers.
func (r *Registry) Remove(id int) (parked bool) {
	p, ok := r.clients[id]
	if !ok {
		return false
	}
	delete(r.clients, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.recycle != nil && !r.shutdown {
		r.recycle[id] = p
		return true
	}
	return false
}

// SetShutdown marks the broker as quitting: subsequent Remove calls will
// not park peers in the recycle cache.
func (r *Registry) SetShutdown() {
	r.shutdown = true
}

// Len returns the number of currently admitted peers.
func (r *Registry) Len() int {
	return len(r.clients)
}

// AllocateID implements create_new_peer_id from SPEC_FULL.md §4.4: the
// eligible set is [1, ServerID) minus admitted ids. Returns (-1, 0, 0)
// when full — the admission sentinel for "max clients reached".
func (r *Registry) AllocateID() (id, sid0, cid0 int) {
	if len(r.clients) >= r.NClients {
		return -1, 0, 0
	}

	available := make([]int, 0, r.ServerID-1)
	for i := 1; i < r.ServerID; i++ {
		if _, taken := r.clients[i]; !taken {
			available = append(available, i)
		}
	}

	if r.Smart {
		id = available[rand.Intn(len(available))]
	} else if len(r.clients) == 0 {
		id = 1
	} else {
		id = available[0]
		for _, a := range available {
			if a < id {
				id = a
			}
		}
	}

	if r.Smart {
		sid0 = r.DefaultSID
		cid0 = id * 100
	}
	return id, sid0, cid0
}
