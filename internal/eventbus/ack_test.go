package eventbus

import (
	"bytes"
	"testing"
)

func TestAckTracker_ContiguousAdvance(t *testing.T) {
	t.Parallel()

	tr := newAckTracker()
	a, b, c := []byte{1}, []byte{2}, []byte{3}
	tr.Add(a)
	tr.Add(b)
	tr.Add(c)

	// Completing out of order must not expose a later position while an
	// earlier event is still in flight.
	tr.Complete(c)
	if got := tr.Advance(); got != nil {
		t.Fatalf("Advance()=%v with oldest still in flight, want nil", got)
	}

	tr.Complete(a)
	if got := tr.Advance(); !bytes.Equal(got, a) {
		t.Fatalf("Advance()=%v, want %v", got, a)
	}

	tr.Complete(b)
	if got := tr.Advance(); !bytes.Equal(got, c) {
		t.Fatalf("Advance()=%v, want %v (b and c both done)", got, c)
	}

	if got := tr.Advance(); got != nil {
		t.Fatalf("Advance() on empty tracker=%v, want nil", got)
	}
	if n := tr.InFlight(); n != 0 {
		t.Fatalf("InFlight()=%d, want 0", n)
	}
}

func TestAckTracker_InFlightCountsUnfinishedOnly(t *testing.T) {
	t.Parallel()

	tr := newAckTracker()
	tr.Add([]byte{1})
	tr.Add([]byte{2})
	tr.Complete([]byte{2})

	if n := tr.InFlight(); n != 1 {
		t.Fatalf("InFlight()=%d, want 1", n)
	}
}
