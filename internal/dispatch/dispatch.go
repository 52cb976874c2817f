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

// Package dispatch tokenizes mailbox payloads, resolves handlers by
// longest-token-prefix match, and correlates asynchronous acknowledgments
// by tag. Grounded on famez_requests.py's chelsea()/handle_request()/
// send_payload().
package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/famez/ivshmsg/internal/mailbox"
	"github.com/famez/ivshmsg/internal/notifier"
)

const trackerToken = "!EZT="

// Outcome is a handler's result: Handled/Unhandled mirror the protocol's
// true/false; Dump additionally asks the caller to print the switch
// diagram.
type Outcome int

const (
	Unhandled Outcome = iota
	Handled
	Dump
)

// Identity carries the fields request handlers read or mutate on "this"
// side of the exchange — the broker's own CID0/SID0/cclass, or a peer's.
type Identity struct {
	CClass    string
	CID0      int
	SID0      int
	PFMCID0   int
	PFMSID0   int
	IsPFM     bool
	LinkState string            // peer-only; unused by the broker
	Attrs     map[string]string // last Link CTL ACK payload received about this identity
}

// Ctx is the per-request response context, equivalent to famez_requests.py's
// ResponseObject.
type Ctx struct {
	This       *Identity
	Proxy      *Identity // broker-only: the addressed peer's identity
	FromID     int       // mailslot owned by the responder
	ToDoorbell *notifier.Notifier
	Verbose    int
	Logf       func(format string, args ...interface{})
	Disp       *Dispatcher
}

func (c *Ctx) log(format string, args ...interface{}) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

// TagRecord is what's stored while waiting for a Standalone Acknowledgment.
type TagRecord struct {
	OriginCID int
	OriginSID int
	Payload   string
	AfterACK  string
}

// Handler processes the argument vector left after its name was consumed
// by the longest-prefix match.
type Handler func(ctx *Ctx, args []string) Outcome

// Dispatcher owns the handler registry, the tag table, and the !EZT
// tracker counter. One Dispatcher per process (broker or peer).
type Dispatcher struct {
	Mailbox  *mailbox.Region
	handlers map[string]Handler
	tags     map[string]*TagRecord
	nextTag  int
	tracker  int
}

// New builds a dispatcher pre-registered with the fixed request set from
// SPEC_FULL.md §4.6.
func New(mb *mailbox.Region) *Dispatcher {
	d := &Dispatcher{
		Mailbox: mb,
		tags:    make(map[string]*TagRecord),
		nextTag: 1,
	}
	d.handlers = defaultHandlers()
	return d
}

// Register adds or overrides a handler for an underscore-joined token
// sequence with a leading underscore, e.g. "_Link_CTL_Peer_Attribute".
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// resolve implements the longest-usable-prefix token walk: accumulate
// "_tok1_tok2_..." and return on the first registered match.
func (d *Dispatcher) resolve(tokens []string) (Handler, []string) {
	entry := ""
	for i, tok := range tokens {
		tok = strings.ReplaceAll(tok, "-", "_")
		entry += "_" + tok
		if h, ok := d.handlers[entry]; ok {
			return h, tokens[i+1:]
		}
	}
	return nil, tokens
}

// HandleRequest parses one mailbox payload and dispatches it. requesterName
// is used only for logging.
func (d *Dispatcher) HandleRequest(raw, requesterName string, ctx *Ctx) Outcome {
	ctx.Disp = d
	parts := strings.SplitN(raw, trackerToken, 2)
	payload := parts[0]
	if len(parts) == 2 {
		if ezt, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
			d.tracker = ezt
		}
	}
	ctx.log("%10s -> %q", requesterName, payload)

	tokens := strings.Fields(payload)
	if len(tokens) == 0 {
		return Unhandled
	}
	h, args := d.resolve(tokens)
	if h == nil {
		return Unhandled
	}
	return h(ctx, args)
}

// SendPayload fills the responder's own mailslot (FromID) with payload
// (optionally tagged for an expected acknowledgment) and rings toDoorbell.
// resetTracker restarts the !EZT counter, matching an interactive
// send/ping's default.
func (d *Dispatcher) SendPayload(payload string, fromID int, toDoorbell *notifier.Notifier, resetTracker bool, tag *TagRecord) (bool, error) {
	if tag != nil {
		tagStr := strconv.Itoa(d.nextTag)
		payload += ",Tag=" + tagStr
		d.tags[tagStr] = tag
		d.nextTag++
	}

	if resetTracker {
		d.tracker = 0
	}
	d.tracker++
	payload += fmt.Sprintf("%s%d", trackerToken, d.tracker)

	ok, err := d.Mailbox.Fill(fromID, []byte(payload))
	if err != nil {
		return false, err
	}
	toDoorbell.Signal()
	return ok, nil
}

// TagLookup removes and returns a pending tag record, for the
// Standalone_Acknowledgment handler.
func (d *Dispatcher) TagLookup(tag string) (*TagRecord, bool) {
	rec, ok := d.tags[tag]
	if ok {
		delete(d.tags, tag)
	}
	return rec, ok
}

// OutstandingTags returns the number of tags awaiting acknowledgment, for
// diagnostics and the "no timeout eviction" open question noted in
// SPEC_FULL.md §9.
func (d *Dispatcher) OutstandingTags() int {
	return len(d.tags)
}

// CSVToMap parses the dispatcher's key=value,key=value argument format.
// Malformed pairs are silently skipped, matching famez_requests.py's
// CSV2dict.
func CSVToMap(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(strings.TrimSpace(s), ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}
