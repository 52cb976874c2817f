package stats

import (
	"sync/atomic"
	"testing"
)

func TestHeaderAndRowOrderMatch(t *testing.T) {
	c := &Counters{}
	atomic.StoreInt64(&c.Admissions, 1)
	atomic.StoreInt64(&c.Departures, 2)
	atomic.StoreInt64(&c.Requests, 3)
	atomic.StoreInt64(&c.Unhandled, 4)
	atomic.StoreInt64(&c.MailboxFill, 5)

	h := c.header()
	r := c.row()
	if len(h) != len(r) {
		t.Fatalf("expected header and row to have the same column count, got %d vs %d", len(h), len(r))
	}
	want := []string{"1", "2", "3", "4", "5"}
	for i, v := range r {
		if v != want[i] {
			t.Fatalf("row[%d]: expected %q, got %q", i, want[i], v)
		}
	}
}

func TestLoggerNoopWhenDisabled(t *testing.T) {
	c := &Counters{}
	done := make(chan struct{})
	go func() {
		Logger("", 0, c)
		close(done)
	}()
	<-done
}
