package wire

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

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

func TestSendRecvPayloadOnly(t *testing.T) {
	a, b := socketpair(t)

	if err := Send(a, 42, -1); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	f, err := Recv(b)
	if err != nil {
		t.Fatalf("Recv returned error: %v", err)
	}
	if f.Payload != 42 {
		t.Fatalf("expected payload 42, got %d", f.Payload)
	}
	if f.FD != -1 {
		t.Fatalf("expected FD=-1 for a payload-only frame, got %d", f.FD)
	}
}

func TestSendRecvNegativePayload(t *testing.T) {
	a, b := socketpair(t)

	if err := Send(a, -1, -1); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	f, err := Recv(b)
	if err != nil {
		t.Fatalf("Recv returned error: %v", err)
	}
	if f.Payload != -1 {
		t.Fatalf("expected payload -1, got %d", f.Payload)
	}
}

func TestSendRecvWithFD(t *testing.T) {
	a, b := socketpair(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe returned error: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if err := Send(a, 7, int(w.Fd())); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	f, err := Recv(b)
	if err != nil {
		t.Fatalf("Recv returned error: %v", err)
	}
	if f.Payload != 7 {
		t.Fatalf("expected payload 7, got %d", f.Payload)
	}
	if f.FD < 0 {
		t.Fatalf("expected a received fd, got %d", f.FD)
	}
	defer unix.Close(f.FD)

	msg := []byte("hello")
	if _, err := unix.Write(f.FD, msg); err != nil {
		t.Fatalf("write to received fd failed: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := r.Read(got); err != nil {
		t.Fatalf("read from original pipe end failed: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q round-tripped through the duplicated fd, got %q", msg, got)
	}
}

func TestRecvReturnsErrorOnPeerClose(t *testing.T) {
	a, b := socketpair(t)
	unix.Close(a)

	if _, err := Recv(b); err == nil {
		t.Fatalf("expected an error when the peer closed its end")
	}
}
