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

// Package mailbox implements the shared-memory mail slot region backing
// the IVSHMSG fast path: one 512-byte slot per peer, plus a globals slot
// and the broker's own slot, mmap'd out of /dev/shm.
package mailbox

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Layout constants, fixed for QEMU IVSHMEM wire compatibility. The off*
// constants give each slot field's byte offset within a slot.
const (
	SlotSize    = 512
	BufOffset   = 128
	MaxBufLen   = SlotSize - BufOffset // 384
	strFieldLen = 32

	offNodename      = 0
	offCclass        = 32
	offBuflen        = 64
	offPeerID        = 72
	offLastResponder = 80
	offPeerSID       = 88
	offPeerCID       = 96
	// 104..128 reserved
)

// fillDrainPoll and fillDrainTimeout bound how long fill() waits for a
// stale slot to drain before stomping it, per SPEC_FULL.md §4.2.
const (
	fillDrainPoll    = 100 * time.Millisecond
	fillDrainRounds  = 10
	fillDrainTimeout = fillDrainPoll * fillDrainRounds
)

// Region is the mmap'd mailbox file, viewed as fixed-size slots.
type Region struct {
	file     *os.File
	fd       int
	data     []byte
	slotSize int
	nEvents  int
	nClients int
	serverID int
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// CreateBroker creates (or re-opens) the backing file at path, sized to
// hold nClients peers plus the globals slot and the broker's own slot,
// zeroes it, and writes the globals and sentinel peer IDs.
func CreateBroker(path string, nClients int) (*Region, error) {
	if nClients < 1 || nClients > 62 {
		return nil, errors.Errorf("nClients %d out of range [1,62]", nClients)
	}
	nEvents := nClients + 2
	fileSlots := nextPow2(nEvents)
	size := int64(SlotSize * fileSlots)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "truncate")
	}
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		// Best effort: some filesystems (tmpfs) don't support
		// fallocate but Truncate already reserved the space.
		_ = err
	}
	chownToLibvirtGroup(path)

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap")
	}

	r := &Region{
		file:     f,
		fd:       int(f.Fd()),
		data:     data,
		slotSize: SlotSize,
		nEvents:  nEvents,
		nClients: nClients,
		serverID: nClients + 1,
	}

	for i := range r.data {
		r.data[i] = 0
	}
	r.writeGlobals()
	for id := 1; id < r.nEvents; id++ {
		r.setPeerID(id, id)
	}
	name := "Z-server"
	r.SetNodename(r.serverID, name)
	r.SetCclass(r.serverID, "FabricSwitch")

	return r, nil
}

// OpenPeer mmaps an fd received from the broker during admission and
// reads the globals slot to discover the layout.
func OpenPeer(fd int) (*Region, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, errors.Wrap(err, "fstat mailbox fd")
	}
	size := int(st.Size)
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap mailbox fd")
	}
	r := &Region{
		data:     data,
		fd:       fd,
		slotSize: int(binary.LittleEndian.Uint64(data[0:8])),
	}
	r.nClients = int(binary.LittleEndian.Uint64(data[16:24]))
	r.nEvents = int(binary.LittleEndian.Uint64(data[24:32]))
	r.serverID = int(binary.LittleEndian.Uint64(data[32:40]))
	return r, nil
}

func (r *Region) writeGlobals() {
	binary.LittleEndian.PutUint64(r.data[0:8], uint64(r.slotSize))
	binary.LittleEndian.PutUint64(r.data[8:16], uint64(BufOffset))
	binary.LittleEndian.PutUint64(r.data[16:24], uint64(r.nClients))
	binary.LittleEndian.PutUint64(r.data[24:32], uint64(r.nEvents))
	binary.LittleEndian.PutUint64(r.data[32:40], uint64(r.serverID))
}

func (r *Region) slot(id int) []byte {
	start := id * r.slotSize
	return r.data[start : start+r.slotSize]
}

func (r *Region) setPeerID(id, val int) {
	binary.LittleEndian.PutUint64(r.slot(id)[offPeerID:offPeerID+8], uint64(val))
}

func readCString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func writeCString(b []byte, s string) error {
	if len(s) >= len(b) {
		return errors.Errorf("%q too long for %d-byte field", s, len(b))
	}
	for i := range b {
		b[i] = 0
	}
	copy(b, s)
	return nil
}

// Nodename reads slot id's node name.
func (r *Region) Nodename(id int) string {
	return readCString(r.slot(id)[offNodename : offNodename+strFieldLen])
}

// Cclass reads slot id's component class.
func (r *Region) Cclass(id int) string {
	return readCString(r.slot(id)[offCclass : offCclass+strFieldLen])
}

// SetNodename writes slot id's node name (owner-only by convention).
func (r *Region) SetNodename(id int, name string) error {
	return writeCString(r.slot(id)[offNodename:offNodename+strFieldLen], name)
}

// SetCclass writes slot id's component class (owner-only by convention).
func (r *Region) SetCclass(id int, cclass string) error {
	return writeCString(r.slot(id)[offCclass:offCclass+strFieldLen], cclass)
}

// PeerID reads the self-ID sentinel of slot id.
func (r *Region) PeerID(id int) int {
	return int(binary.LittleEndian.Uint64(r.slot(id)[offPeerID : offPeerID+8]))
}

func (r *Region) buflen(id int) int {
	return int(binary.LittleEndian.Uint64(r.slot(id)[offBuflen : offBuflen+8]))
}

func (r *Region) setBuflen(id, n int) {
	binary.LittleEndian.PutUint64(r.slot(id)[offBuflen:offBuflen+8], uint64(n))
}

// Fill writes bytes into sender's own slot. If a previous message has not
// been drained, it polls for up to ~1.05s before stomping the slot
// anyway. Returns false if the timeout elapsed (the write still happens).
func (r *Region) Fill(senderID int, data []byte) (bool, error) {
	if len(data) >= MaxBufLen {
		return false, errors.Errorf("payload of %d bytes exceeds max %d", len(data), MaxBufLen-1)
	}

	ok := true
	deadline := time.Now().Add(fillDrainTimeout)
	for r.buflen(senderID) != 0 && time.Now().Before(deadline) {
		time.Sleep(fillDrainPoll)
	}
	if r.buflen(senderID) != 0 {
		ok = false
	}

	buf := r.slot(senderID)[BufOffset : BufOffset+MaxBufLen]
	for i := range buf {
		buf[i] = 0
	}
	copy(buf, data)
	r.setBuflen(senderID, len(data))
	return ok, nil
}

// Retrieve reads and clears sender's slot; the zeroed buflen is the
// drain-ack the next Fill waits on.
func (r *Region) Retrieve(senderID int) []byte {
	n := r.buflen(senderID)
	buf := make([]byte, n)
	copy(buf, r.slot(senderID)[BufOffset:BufOffset+n])
	r.setBuflen(senderID, 0)
	return buf
}

// Clear resets a slot's identity fields after a peer disconnects.
func (r *Region) Clear(id int) error {
	if err := r.SetNodename(id, ""); err != nil {
		return err
	}
	if err := r.SetCclass(id, ""); err != nil {
		return err
	}
	r.setPeerID(id, id)
	return nil
}

// ActiveIDs returns the ids of slots [1, serverID] with a non-empty
// nodename, in ascending order.
func (r *Region) ActiveIDs() []int {
	var ids []int
	for id := 1; id <= r.serverID; id++ {
		if r.Nodename(id) != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Region) NClients() int { return r.nClients }
func (r *Region) NEvents() int  { return r.nEvents }
func (r *Region) ServerID() int { return r.serverID }
func (r *Region) FD() int       { return r.fd }

// Close unmaps the region and, for the broker, closes the backing file.
func (r *Region) Close() error {
	err := unix.Munmap(r.data)
	if r.file != nil {
		if ferr := r.file.Close(); err == nil {
			err = ferr
		}
	}
	return err
}

func chownToLibvirtGroup(path string) {
	for _, name := range []string{"libvirt-qemu", "libvirt", "libvirtd"} {
		if gid, err := lookupGroupGID(name); err == nil {
			_ = os.Chown(path, -1, gid)
			return
		}
	}
}
