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

// Package restapi is a broker-only, read-only HTTP/JSON introspection
// endpoint, grounded on ivshmsg_twisted/twisted_restapi.py's
// MailBoxReSTAPI (the node/link dump served to a D3 frontend) and routed
// with gorilla/mux instead of Klein since this module has no Twisted
// reactor to hook into. Every request is answered by asking the reactor
// goroutine for a snapshot over a channel — nothing here touches
// broker state directly.
package restapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// NodeStatus is one fabric member as reported in a snapshot.
type NodeStatus struct {
	ID       int    `json:"id"`
	Nodename string `json:"nodename"`
	Cclass   string `json:"cclass"`
	CID0     int    `json:"CID0"`
	SID0     int    `json:"SID0"`
}

// Snapshot is the broker state a request handler is allowed to see,
// produced by the reactor goroutine in response to a Query.
type Snapshot struct {
	ServerID int          `json:"server_id"`
	NClients int          `json:"nClients"`
	Nodes    []NodeStatus `json:"nodes"`
}

// Query is sent to the reactor's channel; the reactor goroutine answers
// by sending one Snapshot on Resp.
type Query struct {
	ID   int // 0 means "all nodes"
	Resp chan Snapshot
}

// Server wraps the broker's status endpoint. Ask is called from an HTTP
// handler goroutine and must be answered from the single reactor
// goroutine that owns the registry.
type Server struct {
	Ask func(q Query) Snapshot
}

// Router builds the mux.Router serving GET /status and GET /status/{id}.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleAll).Methods(http.MethodGet)
	r.HandleFunc("/status/{id:[0-9]+}", s.handleOne).Methods(http.MethodGet)
	return r
}

func (s *Server) handleAll(w http.ResponseWriter, req *http.Request) {
	snap := s.Ask(Query{ID: 0})
	writeJSON(w, snap)
}

func (s *Server) handleOne(w http.ResponseWriter, req *http.Request) {
	idStr := mux.Vars(req)["id"]
	id, err := strconv.Atoi(idStr)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	snap := s.Ask(Query{ID: id})
	if len(snap.Nodes) == 0 {
		http.Error(w, "no such peer", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(v)
}
