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

// Package wire implements the IVSHMSG handshake frame: an 8-byte signed
// little-endian payload plus an optional file descriptor carried as
// SCM_RIGHTS ancillary data. Naming mirrors qemu/contrib/ivshmem-[client
// |server].c, which this protocol is wire-compatible with.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Frame is one handshake message: a payload and, optionally, one fd.
type Frame struct {
	Payload int64
	FD      int // -1 when no fd accompanied the payload
}

// Send writes one frame to sock. Kernels discard ancillary data attached
// to a zero-length payload, so the 8-byte payload always accompanies the
// control message in the same sendmsg call.
func Send(sock int, payload int64, fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(payload))

	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}
	return unix.Sendmsg(sock, buf[:], oob, nil, 0)
}

// Recv reads one frame from sock. FD is -1 if no ancillary data arrived.
func Recv(sock int) (Frame, error) {
	buf := make([]byte, 8)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(sock, buf, oob, 0)
	if err != nil {
		return Frame{}, errors.Wrap(err, "recvmsg")
	}
	if n == 0 {
		return Frame{}, errors.New("peer closed connection")
	}
	if n != 8 {
		return Frame{}, errors.Errorf("short frame: %d bytes", n)
	}

	f := Frame{
		Payload: int64(binary.LittleEndian.Uint64(buf)),
		FD:      -1,
	}

	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return Frame{}, errors.Wrap(err, "parsing control message")
		}
		for _, scm := range scms {
			fds, err := unix.ParseUnixRights(&scm)
			if err == nil && len(fds) > 0 {
				f.FD = fds[0]
				break
			}
		}
	}

	return f, nil
}
