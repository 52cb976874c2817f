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

// Package notifier wraps eventfd(2) counters used to signal peers without
// going through the broker on the fast path.
package notifier

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Notifier is a counting signal backed by a single eventfd. Two Notifiers
// wrapping the same fd refer to the same kernel counter.
type Notifier struct {
	fd int
}

// New creates a fresh, non-blocking eventfd with the given initial count.
func New(initial uint) (*Notifier, error) {
	fd, err := unix.Eventfd(initial, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd")
	}
	return &Notifier{fd: fd}, nil
}

// FromFD wraps a fd received over a UNIX socket. Ownership of fd passes to
// the Notifier; Close will close it.
func FromFD(fd int) *Notifier {
	return &Notifier{fd: fd}
}

// FD returns the underlying file descriptor, valid for poll/sendmsg.
func (n *Notifier) FD() int {
	return n.fd
}

// Signal adds 1 to the counter. It returns false without retrying on
// EAGAIN (the counter is already at its unsigned max and the kernel would
// block); EINTR is retried transparently.
func (n *Notifier) Signal() (bool, error) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(n.fd, buf[:])
		if err == nil {
			return true, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, errors.Wrap(err, "eventfd write")
	}
}

// Drain reads and resets the counter. fired is false (with count == 0) if
// the counter was already zero on a non-blocking fd.
func (n *Notifier) Drain() (fired bool, count uint64, err error) {
	var buf [8]byte
	for {
		nn, rerr := unix.Read(n.fd, buf[:])
		if rerr == nil {
			if nn != 8 {
				return false, 0, errors.New("short eventfd read")
			}
			return true, binary.LittleEndian.Uint64(buf[:]), nil
		}
		if rerr == unix.EINTR {
			continue
		}
		if rerr == unix.EAGAIN {
			return false, 0, nil
		}
		return false, 0, errors.Wrap(rerr, "eventfd read")
	}
}

// Close is idempotent.
func (n *Notifier) Close() error {
	if n.fd < 0 {
		return nil
	}
	err := unix.Close(n.fd)
	n.fd = -1
	return err
}

// List creates n fresh notifiers with new eventfds each.
func List(n int) ([]*Notifier, error) {
	out := make([]*Notifier, 0, n)
	for i := 0; i < n; i++ {
		ntf, err := New(0)
		if err != nil {
			for _, made := range out {
				made.Close()
			}
			return nil, err
		}
		out = append(out, ntf)
	}
	return out, nil
}

// FromFDs wraps an existing list of fds (received over the admission
// socket), one Notifier per fd, preserving order.
func FromFDs(fds []int) []*Notifier {
	out := make([]*Notifier, len(fds))
	for i, fd := range fds {
		out[i] = FromFD(fd)
	}
	return out
}
