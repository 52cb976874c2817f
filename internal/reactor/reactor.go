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

// Package reactor runs the single-threaded, poll-based event loop that
// drives both the broker and the peer: one goroutine owns the listening
// socket (broker only), every admitted peer's control socket, and every
// notifier read-end that might signal new mailbox traffic. Grounded on
// famez's Twisted reactor usage (one reactor.run() per process) and
// generalized to golang.org/x/sys/unix.Poll since this codebase has no
// Twisted equivalent to import.
package reactor

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/famez/ivshmsg/internal/notifier"
)

// pollTimeout bounds how long a single Poll call blocks, so the loop can
// periodically run OnTick callbacks even when idle.
const pollTimeout = 250 * time.Millisecond

// Source is one fd the reactor watches, plus what to do when it becomes
// readable or when it errors/hangs up.
type Source struct {
	FD       int
	OnReady  func() error
	OnClosed func()
}

// Loop is the cooperative reactor. Nothing here is goroutine-safe; all
// registration and callback invocation happens on the thread that calls
// Run.
type Loop struct {
	sources map[int]*Source
	tickers []func()
	quit    bool
}

// New returns an empty loop.
func New() *Loop {
	return &Loop{sources: make(map[int]*Source)}
}

// Watch registers fd. Calling Watch again for an fd already registered
// replaces its callbacks.
func (l *Loop) Watch(s *Source) {
	l.sources[s.FD] = s
}

// Forget deregisters fd; it is a no-op if fd isn't watched.
func (l *Loop) Forget(fd int) {
	delete(l.sources, fd)
}

// OnTick registers a callback invoked once per poll cycle regardless of
// readiness, used for periodic bookkeeping like answering --restapi
// queries.
func (l *Loop) OnTick(f func()) {
	l.tickers = append(l.tickers, f)
}

// Stop asks Run to return after the current cycle completes.
func (l *Loop) Stop() {
	l.quit = true
}

// Run polls registered fds until Stop is called or ctxDone fires.
func (l *Loop) Run(ctxDone <-chan struct{}) error {
	for !l.quit {
		select {
		case <-ctxDone:
			return nil
		default:
		}

		fds := make([]unix.PollFd, 0, len(l.sources))
		order := make([]int, 0, len(l.sources))
		for fd := range l.sources {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
			order = append(order, fd)
		}

		n, err := unix.Poll(fds, int(pollTimeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "poll")
		}

		for _, f := range l.tickers {
			f()
		}

		if n == 0 {
			continue
		}

		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			fd := order[i]
			src, ok := l.sources[fd]
			if !ok {
				continue // deregistered by an earlier callback this cycle
			}
			if pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				delete(l.sources, fd)
				if src.OnClosed != nil {
					src.OnClosed()
				}
				continue
			}
			if pfd.Revents&unix.POLLIN != 0 {
				if err := src.OnReady(); err != nil {
					delete(l.sources, fd)
					if src.OnClosed != nil {
						src.OnClosed()
					}
				}
			}
		}
	}
	return nil
}

// DrainNotifier is a convenience OnReady body for a notifier fd: it drains
// the eventfd counter and invokes fn once per cycle regardless of count,
// matching the mailbox's "buflen is the real signal" semantics.
func DrainNotifier(n *notifier.Notifier, fn func() error) func() error {
	return func() error {
		if _, _, err := n.Drain(); err != nil {
			return err
		}
		return fn()
	}
}
