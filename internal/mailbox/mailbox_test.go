package mailbox

import (
	"path/filepath"
	"testing"
)

func TestCreateBrokerLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox")
	r, err := CreateBroker(path, 3)
	if err != nil {
		t.Fatalf("CreateBroker returned error: %v", err)
	}
	defer r.Close()

	if r.NClients() != 3 {
		t.Fatalf("expected NClients=3, got %d", r.NClients())
	}
	if r.NEvents() != 5 {
		t.Fatalf("expected NEvents=5 (nClients+2), got %d", r.NEvents())
	}
	if r.ServerID() != 4 {
		t.Fatalf("expected ServerID=4 (nClients+1), got %d", r.ServerID())
	}
	if r.Nodename(r.ServerID()) != "Z-server" {
		t.Fatalf("expected server nodename Z-server, got %q", r.Nodename(r.ServerID()))
	}
	for id := 1; id < r.NEvents(); id++ {
		if r.PeerID(id) != id {
			t.Fatalf("slot %d: expected sentinel peer id %d, got %d", id, id, r.PeerID(id))
		}
	}
}

func TestFileSizeIsPowerOfTwo(t *testing.T) {
	for _, nClients := range []int{1, 2, 3, 7, 14, 62} {
		path := filepath.Join(t.TempDir(), "mailbox")
		r, err := CreateBroker(path, nClients)
		if err != nil {
			t.Fatalf("CreateBroker(%d) returned error: %v", nClients, err)
		}
		slots := nextPow2(nClients + 2)
		if got := len(r.data); got != slots*SlotSize {
			t.Fatalf("nClients=%d: expected file size %d, got %d", nClients, slots*SlotSize, got)
		}
		r.Close()
	}
}

func TestNClientsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox")
	if _, err := CreateBroker(path, 0); err == nil {
		t.Fatalf("expected error for nClients=0")
	}
	if _, err := CreateBroker(path, 63); err == nil {
		t.Fatalf("expected error for nClients=63")
	}
}

func TestFillRetrieveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox")
	r, err := CreateBroker(path, 2)
	if err != nil {
		t.Fatalf("CreateBroker returned error: %v", err)
	}
	defer r.Close()

	ok, err := r.Fill(1, []byte("ping!EZT=1"))
	if err != nil {
		t.Fatalf("Fill returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected Fill to succeed without stomping on an empty slot")
	}

	got := r.Retrieve(1)
	if string(got) != "ping!EZT=1" {
		t.Fatalf("expected round-tripped payload, got %q", got)
	}

	if r.buflen(1) != 0 {
		t.Fatalf("expected buflen cleared after Retrieve, got %d", r.buflen(1))
	}
}

func TestFillRejectsOversizePayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox")
	r, err := CreateBroker(path, 1)
	if err != nil {
		t.Fatalf("CreateBroker returned error: %v", err)
	}
	defer r.Close()

	oversize := make([]byte, MaxBufLen)
	if _, err := r.Fill(1, oversize); err == nil {
		t.Fatalf("expected error for payload of exactly MaxBufLen bytes")
	}
}

func TestNodenameCclassRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox")
	r, err := CreateBroker(path, 1)
	if err != nil {
		t.Fatalf("CreateBroker returned error: %v", err)
	}
	defer r.Close()

	if err := r.SetNodename(1, "z01"); err != nil {
		t.Fatalf("SetNodename returned error: %v", err)
	}
	if err := r.SetCclass(1, "Debugger"); err != nil {
		t.Fatalf("SetCclass returned error: %v", err)
	}
	if r.Nodename(1) != "z01" || r.Cclass(1) != "Debugger" {
		t.Fatalf("unexpected identity fields: nodename=%q cclass=%q", r.Nodename(1), r.Cclass(1))
	}

	ids := r.ActiveIDs()
	found := false
	for _, id := range ids {
		if id == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected slot 1 in ActiveIDs after setting a nodename, got %v", ids)
	}

	if err := r.Clear(1); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	if r.Nodename(1) != "" {
		t.Fatalf("expected nodename cleared, got %q", r.Nodename(1))
	}
	if r.PeerID(1) != 1 {
		t.Fatalf("expected sentinel peer id restored after Clear, got %d", r.PeerID(1))
	}
}

func TestSetNodenameRejectsOverlongName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox")
	r, err := CreateBroker(path, 1)
	if err != nil {
		t.Fatalf("CreateBroker returned error: %v", err)
	}
	defer r.Close()

	overlong := make([]byte, strFieldLen)
	for i := range overlong {
		overlong[i] = 'a'
	}
	if err := r.SetNodename(1, string(overlong)); err == nil {
		t.Fatalf("expected error for a name as long as the field itself")
	}
}
