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

package dispatch

import "fmt"

func dispatcherFromCtx(ctx *Ctx) *Dispatcher {
	return ctx.Disp
}

// defaultHandlers wires the fixed request set from SPEC_FULL.md §4.6. All
// of these are registered on both the broker and the peer dispatcher;
// role-specific ones (Link RFC on the broker, CTL-Write on the peer)
// reject themselves via ctx.This/ctx.Proxy when invoked on the wrong side, mirroring
// famez_requests.py where the handler set is shared code.
func defaultHandlers() map[string]Handler {
	return map[string]Handler{
		"_ping":                              handlePing,
		"_dump":                              handleDump,
		"_Standalone_Acknowledgment":         handleStandaloneAck,
		"_Link_CTL_Peer_Attribute":           handleLinkCTLPeerAttribute,
		"_Link_CTL_ACK":                      handleLinkCTLACK,
		"_Link_CTL_NAK":                      handleLinkCTLNAK,
		"_Link_RFC":                          handleLinkRFC,
		"_CTL_Write":                         handleCTLWrite,
	}
}

func handlePing(ctx *Ctx, args []string) Outcome {
	disp := dispatcherFromCtx(ctx)
	if disp == nil {
		return Unhandled
	}
	disp.SendPayload("pong", ctx.FromID, ctx.ToDoorbell, false, nil)
	return Handled
}

func handleDump(ctx *Ctx, args []string) Outcome {
	return Dump
}

// handleStandaloneAck is invoked with the dispatcher reachable through
// ctx; see dispatcherFromCtx. It looks up the tag, fires any queued
// AfterACK payload, and removes the tag regardless of outcome.
func handleStandaloneAck(ctx *Ctx, args []string) Outcome {
	disp := dispatcherFromCtx(ctx)
	if disp == nil || len(args) == 0 {
		return Unhandled
	}
	kv := CSVToMap(args[0])
	tag, ok := kv["Tag"]
	if !ok {
		ctx.log("Standalone Acknowledgment missing Tag")
		return Unhandled
	}
	rec, found := disp.TagLookup(tag)
	if !found {
		ctx.log("UNTAGGING %d FAILED: unknown tag %s", ctx.FromID, tag)
		return Dump
	}
	if rec.AfterACK != "" {
		disp.SendPayload(rec.AfterACK, ctx.FromID, ctx.ToDoorbell, false, nil)
	}
	return Dump
}

func handleLinkCTLPeerAttribute(ctx *Ctx, args []string) Outcome {
	disp := dispatcherFromCtx(ctx)
	if disp == nil {
		return Unhandled
	}
	attrs := fmt.Sprintf("cclass=%s,CID0=%d,SID0=%d", ctx.This.CClass, ctx.This.CID0, ctx.This.SID0)
	disp.SendPayload("Link CTL ACK "+attrs, ctx.FromID, ctx.ToDoorbell, false, nil)
	return Handled
}

func handleLinkCTLACK(ctx *Ctx, args []string) Outcome {
	if len(args) == 0 {
		return Unhandled
	}
	attrs := CSVToMap(args[0])
	target := ctx.This
	if ctx.Proxy != nil {
		target = ctx.Proxy
	}
	target.Attrs = attrs
	return Dump
}

func handleLinkCTLNAK(ctx *Ctx, args []string) Outcome {
	ctx.log("Got a Link CTL NAK, no state change")
	return Unhandled
}

// handleLinkRFC is received only by the broker. A non-PFM identity
// (a peer) rejects it, matching "if not RO.this.isPFM: return False".
func handleLinkRFC(ctx *Ctx, args []string) Outcome {
	if !ctx.This.IsPFM || ctx.Proxy == nil {
		ctx.log("I am not a manager")
		return Unhandled
	}
	disp := dispatcherFromCtx(ctx)
	if disp == nil || len(args) == 0 {
		return Unhandled
	}
	kv := CSVToMap(args[0])
	delay, ok := kv["TTC"]
	if !ok {
		ctx.log("Link RFC missing TTC")
		return Unhandled
	}
	if !containsUS(delay) {
		ctx.log("Delay %s is too long, dropping request", delay)
		return Unhandled
	}
	payload := fmt.Sprintf("CTL-Write Space=0,PFMCID=%d,PFMSID=%d,CID=%d,SID=%d",
		ctx.This.CID0, ctx.This.SID0, ctx.Proxy.CID0, ctx.Proxy.SID0)
	rec := &TagRecord{
		OriginCID: ctx.This.CID0,
		OriginSID: ctx.This.SID0,
		Payload:   payload,
		AfterACK:  "Link CTL Peer-Attribute",
	}
	disp.SendPayload(payload, ctx.FromID, ctx.ToDoorbell, false, rec)
	return Handled
}

func containsUS(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == 'u' && s[i+1] == 's' {
			return true
		}
	}
	return false
}

// handleCTLWrite is received only by a peer, configuring its link state
// from the broker's fabric-management assignment.
func handleCTLWrite(ctx *Ctx, args []string) Outcome {
	if len(args) == 0 {
		return Unhandled
	}
	if ctx.Proxy != nil {
		ctx.log("CTL-Write is for peers, not the broker")
		return Unhandled
	}
	kv := CSVToMap(args[0])
	if kv["Space"] != "0" {
		return Unhandled
	}
	disp := dispatcherFromCtx(ctx)
	if disp == nil {
		return Unhandled
	}
	cid, cidErr := atoiSafe(kv["CID"])
	sid, sidErr := atoiSafe(kv["SID"])
	pfmcid, _ := atoiSafe(kv["PFMCID"])
	pfmsid, _ := atoiSafe(kv["PFMSID"])
	if cidErr != nil || sidErr != nil {
		return Unhandled
	}
	ctx.This.CID0 = cid
	ctx.This.SID0 = sid
	ctx.This.PFMCID0 = pfmcid
	ctx.This.PFMSID0 = pfmsid
	ctx.This.LinkState = "configured"

	tag, ok := kv["Tag"]
	if !ok {
		return Unhandled
	}
	disp.SendPayload(fmt.Sprintf("Standalone Acknowledgment Tag=%s,Reason=OK", tag), ctx.FromID, ctx.ToDoorbell, false, nil)
	return Handled
}

func atoiSafe(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a digit: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
