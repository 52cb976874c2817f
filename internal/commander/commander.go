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

// Package commander is a line-oriented stdin REPL for a peer process,
// grounded on ivshmsg_twisted/commander.py and twisted_client.py's
// doCommand: it reads one line at a time, tokenizes it, and dispatches to
// a small fixed command set (ping, send, spoof, link, rfc, who, dump,
// help, quit).
package commander

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Peer is the subset of peer state the commander needs: send a payload to
// a resolved set of (src, dest) slot ids, and read back the live roster
// for "who"/"dump".
type Peer struct {
	SelfID    int
	Nodename  string
	LinkIDs   func() (CID0, SID0 int)
	ActiveIDs func() []int
	NameOf    func(id int) string
	Send      func(dest, src int, msg string) error
}

// ParseTarget resolves one destination/source token to a list of slot ids.
// "all" includes the caller; "others" is active ids minus the caller —
// the original Python's `list.remove()` call here discards its return
// value and yields None, silently swallowing every "others" command, a
// bug this implementation does not reproduce (see SPEC_FULL.md §9).
func ParseTarget(p *Peer, callerID int, tok string) []int {
	if n, err := strconv.Atoi(tok); err == nil {
		if n >= 1 && n <= serverIDBound(p) {
			return []int{n}
		}
		return nil
	}

	lower := strings.ToLower(tok)
	if strings.HasSuffix(lower, "server") || strings.HasSuffix(lower, "switch") {
		return []int{serverIDBound(p)}
	}

	active := p.ActiveIDs()
	for _, id := range active {
		if p.NameOf(id) == tok {
			return []int{id}
		}
	}

	if lower == "all" {
		return active
	}
	if lower == "others" {
		out := make([]int, 0, len(active))
		for _, id := range active {
			if id != callerID {
				out = append(out, id)
			}
		}
		return out
	}
	return nil
}

func serverIDBound(p *Peer) int {
	max := p.SelfID
	for _, id := range p.ActiveIDs() {
		if id > max {
			max = id
		}
	}
	return max
}

// Run drives the REPL against in, writing prompts and output to out, until
// EOF or a "quit" command. Each accepted line is tokenized and handed to
// one of the fixed command handlers below; unrecognized commands print a
// hint and keep the loop going, matching doCommand's "return True" default.
// Kept for standalone/test use; a reactor-driven peer instead calls
// HandleLine directly from its own event loop so stdin shares the single
// goroutine with mailbox dispatch, as in the original's StandardIO hookup.
func Run(p *Peer, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintf(out, "%s> ", p.Nodename)
	for scanner.Scan() {
		if !HandleLine(p, scanner.Text(), out) {
			return
		}
		fmt.Fprintf(out, "%s> ", p.Nodename)
	}
}

// HandleLine tokenizes and dispatches one command line. It returns false
// when the command was "quit", signaling the caller to stop reading.
func HandleLine(p *Peer, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	args := strings.Fields(line)
	cmd := strings.ToLower(args[0])
	return dispatch(p, cmd, args[1:], out)
}

func dispatch(p *Peer, cmd string, args []string, out io.Writer) bool {
	switch {
	case cmd == "p" || cmd == "ping" || cmd == "s" || cmd == "send":
		if cmd == "p" || cmd == "ping" {
			if len(args) != 1 {
				fmt.Fprintln(out, "missing dest")
				return true
			}
			args = append(args, "ping")
		} else if len(args) < 1 {
			fmt.Fprintln(out, "missing dest")
			return true
		}
		dest := args[0]
		msg := strings.Join(args[1:], " ")
		placeAndGo(p, dest, msg, "")
		return true

	case cmd == "sp" || cmd == "spoof":
		if len(args) < 2 {
			fmt.Fprintln(out, "missing src and/or dest")
			return true
		}
		src, dest := args[0], args[1]
		msg := strings.Join(args[2:], " ")
		placeAndGo(p, dest, msg, src)
		return true

	case cmd == "d" || cmd == "dump":
		cid0, sid0 := p.LinkIDs()
		fmt.Fprintf(out, "My CID0:SID0 = %d:%d\n", cid0, sid0)
		for _, id := range p.ActiveIDs() {
			fmt.Fprintf(out, "\t%2d %s\n", id, p.NameOf(id))
		}
		return true

	case cmd == "w" || cmd == "who":
		fmt.Fprintf(out, "This ID = %2d (%s)\n", p.SelfID, p.Nodename)
		for _, id := range p.ActiveIDs() {
			if id == p.SelfID {
				continue
			}
			fmt.Fprintf(out, "Peer ID = %2d (%s)\n", id, p.NameOf(id))
		}
		return true

	case cmd == "l" || cmd == "link":
		if len(args) < 1 {
			fmt.Fprintln(out, "missing directive")
			return true
		}
		placeAndGo(p, "server", "Link "+strings.Join(args, " "), "")
		return true

	case cmd == "r" || cmd == "rfc":
		placeAndGo(p, "server", "Link RFC TTC=27us", "")
		return true

	case cmd == "h" || cmd == "help" || strings.Contains(cmd, "?"):
		fmt.Fprintln(out, `dest/src can be integer, hostname, or "server"

h[elp]       this message
l[ink]       link commands (CTL and RFC)
p[ing] dest  shorthand for "send dest ping"
q[uit]       just do it
r[fc]        send "Link RFC ..." to the server
s[end] dest [text...]
sp[oof] src dest [text...]
w[ho]        list all peers`)
		return true

	case cmd == "q" || cmd == "quit":
		return false
	}

	fmt.Fprintf(out, "Unrecognized command %q, try \"help\"\n", cmd)
	return true
}

func placeAndGo(p *Peer, dest, msg, src string) {
	destIDs := ParseTarget(p, p.SelfID, dest)
	var srcIDs []int
	if src == "" {
		srcIDs = []int{p.SelfID}
	} else {
		srcIDs = ParseTarget(p, p.SelfID, src)
	}
	for _, s := range srcIDs {
		for _, d := range destIDs {
			p.Send(d, s, msg)
		}
	}
}
