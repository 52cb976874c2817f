package admission

import (
	"path/filepath"
	"testing"

	"github.com/famez/ivshmsg/internal/mailbox"
	"github.com/famez/ivshmsg/internal/registry"
	"github.com/famez/ivshmsg/internal/wire"
	"golang.org/x/sys/unix"
)

func newTestMailbox(t *testing.T) *mailbox.Region {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailbox")
	mb, err := mailbox.CreateBroker(path, 4)
	if err != nil {
		t.Fatalf("CreateBroker returned error: %v", err)
	}
	t.Cleanup(func() { mb.Close() })
	return mb
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair returned error: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestAdmitAndCollectRoundTrip(t *testing.T) {
	mb := newTestMailbox(t)
	reg := registry.New(mb.ServerID(), mb.NClients(), false, true)
	b := &Broker{Registry: reg, Mailbox: mb}

	brokerSock, peerSock := socketpair(t)

	type admitResult struct {
		peer *registry.Peer
		err  error
	}
	admitCh := make(chan admitResult, 1)
	go func() {
		p, err := b.Admit(brokerSock)
		admitCh <- admitResult{p, err}
	}()

	session, err := Collect(peerSock)
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	res := <-admitCh
	if res.err != nil {
		t.Fatalf("Admit returned error: %v", res.err)
	}

	if res.peer.ID != 1 {
		t.Fatalf("expected first admitted peer to get id 1, got %d", res.peer.ID)
	}
	if session.SelfID != res.peer.ID {
		t.Fatalf("expected session.SelfID=%d to match admitted peer id, got %d", res.peer.ID, session.SelfID)
	}
	if session.MailboxFD < 0 {
		t.Fatalf("expected a valid mailbox fd")
	}

	self := session.Self()
	if self == nil || len(self.Notifiers) != mb.NEvents() {
		t.Fatalf("expected self notifier vector of length %d, got %+v", mb.NEvents(), self)
	}
	if len(res.peer.Notifiers) != mb.NEvents() {
		t.Fatalf("expected broker-side peer notifier vector of length %d, got %d", mb.NEvents(), len(res.peer.Notifiers))
	}
}

func TestAdmitRejectsWhenFull(t *testing.T) {
	mb := newTestMailbox(t)
	reg := registry.New(mb.ServerID(), 1, false, true)
	b := &Broker{Registry: reg, Mailbox: mb}

	brokerSock, peerSock := socketpair(t)
	admitCh := make(chan error, 1)
	go func() {
		_, err := b.Admit(brokerSock)
		admitCh <- err
	}()
	if _, err := Collect(peerSock); err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if err := <-admitCh; err != nil {
		t.Fatalf("first Admit returned error: %v", err)
	}

	brokerSock2, peerSock2 := socketpair(t)
	go func() {
		_, err := b.Admit(brokerSock2)
		admitCh <- err
	}()
	if _, err := Collect(peerSock2); err == nil {
		t.Fatalf("expected second Collect to fail once the fabric is full")
	}
	if err := <-admitCh; err == nil {
		t.Fatalf("expected second Admit to report an error")
	}
}

func TestAdmitAdvertisesNewPeerToExisting(t *testing.T) {
	mb := newTestMailbox(t)
	reg := registry.New(mb.ServerID(), mb.NClients(), false, true)
	b := &Broker{Registry: reg, Mailbox: mb}

	brokerSock1, peerSock1 := socketpair(t)
	admitCh := make(chan *registry.Peer, 1)
	go func() {
		p, _ := b.Admit(brokerSock1)
		admitCh <- p
	}()
	if _, err := Collect(peerSock1); err != nil {
		t.Fatalf("Collect for peer 1 returned error: %v", err)
	}
	peer1 := <-admitCh

	brokerSock2, peerSock2 := socketpair(t)
	go func() {
		p, _ := b.Admit(brokerSock2)
		admitCh <- p
	}()
	session2, err := Collect(peerSock2)
	if err != nil {
		t.Fatalf("Collect for peer 2 returned error: %v", err)
	}
	peer2 := <-admitCh
	if peer2.ID != 2 {
		t.Fatalf("expected second admitted peer to get id 2, got %d", peer2.ID)
	}
	if _, ok := session2.Get(peer1.ID); !ok {
		t.Fatalf("expected peer 2's session to know about peer 1")
	}

	f, err := wire.Recv(peerSock1)
	if err != nil {
		t.Fatalf("expected peer 1 to have received an advertisement about peer 2: %v", err)
	}
	if int(f.Payload) != peer2.ID {
		t.Fatalf("expected advertisement to name peer 2's id, got %d", f.Payload)
	}
}

func TestDepartNotifiesSurvivors(t *testing.T) {
	mb := newTestMailbox(t)
	reg := registry.New(mb.ServerID(), mb.NClients(), false, false)
	b := &Broker{Registry: reg, Mailbox: mb}

	brokerSock1, peerSock1 := socketpair(t)
	admitCh := make(chan *registry.Peer, 1)
	go func() {
		p, _ := b.Admit(brokerSock1)
		admitCh <- p
	}()
	Collect(peerSock1)
	peer1 := <-admitCh

	brokerSock2, peerSock2 := socketpair(t)
	go func() {
		p, _ := b.Admit(brokerSock2)
		admitCh <- p
	}()
	Collect(peerSock2)
	peer2 := <-admitCh

	b.Depart(peer2)

	if _, ok := reg.Get(peer2.ID); ok {
		t.Fatalf("expected departed peer removed from the registry")
	}

	// Peer 1 first holds the NEvents advertisement frames about peer 2.
	for i := 0; i < mb.NEvents(); i++ {
		if _, err := wire.Recv(peerSock1); err != nil {
			t.Fatalf("expected survivor to hold peer 2's advertisement frames: %v", err)
		}
	}

	f, err := wire.Recv(peerSock1)
	if err != nil {
		t.Fatalf("expected survivor to receive a departure notification: %v", err)
	}
	if int(f.Payload) != peer2.ID || f.FD != -1 {
		t.Fatalf("expected departure frame (%d, -1), got (%d, %d)", peer2.ID, f.Payload, f.FD)
	}
}
