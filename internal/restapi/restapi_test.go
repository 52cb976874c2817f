package restapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleAllReturnsSnapshot(t *testing.T) {
	s := &Server{
		Ask: func(q Query) Snapshot {
			if q.ID != 0 {
				t.Fatalf("expected /status to ask for ID=0, got %d", q.ID)
			}
			return Snapshot{
				ServerID: 9,
				NClients: 8,
				Nodes: []NodeStatus{
					{ID: 1, Nodename: "z01", Cclass: "Debugger"},
				},
			}
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header to be set")
	}

	var snap Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding response body failed: %v", err)
	}
	if snap.ServerID != 9 || len(snap.Nodes) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestHandleOneReturns404WhenEmpty(t *testing.T) {
	s := &Server{
		Ask: func(q Query) Snapshot {
			return Snapshot{}
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/status/5", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown peer, got %d", w.Code)
	}
}

func TestHandleOnePassesParsedID(t *testing.T) {
	var gotID int
	s := &Server{
		Ask: func(q Query) Snapshot {
			gotID = q.ID
			return Snapshot{Nodes: []NodeStatus{{ID: q.ID}}}
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/status/7", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotID != 7 {
		t.Fatalf("expected Ask to be called with ID=7, got %d", gotID)
	}
}

func TestRouterRejectsNonNumericID(t *testing.T) {
	s := &Server{Ask: func(q Query) Snapshot { return Snapshot{} }}

	req := httptest.NewRequest(http.MethodGet, "/status/abc", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected the route itself to reject a non-numeric id, got %d", w.Code)
	}
}
