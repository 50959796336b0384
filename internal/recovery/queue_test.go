package recovery

import (
	"fmt"
	"testing"
)

func TestQueuePreservesEnqueueOrder(t *testing.T) {
	q := NewMessageQueue("room-1", "p1", 10)

	for i := 0; i < 4; i++ {
		if dropped := q.Enqueue(QueueEntry{EventType: fmt.Sprintf("e%d", i)}); dropped {
			t.Fatalf("entry %d dropped below capacity", i)
		}
	}

	entries := q.Drain()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.EventType != fmt.Sprintf("e%d", i) {
			t.Fatalf("drain order broken at %d: %+v", i, entries)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after drain, len=%d", q.Len())
	}
}

func TestQueueOverflowDropsOldestNonCritical(t *testing.T) {
	q := NewMessageQueue("room-1", "p1", 5)

	q.Enqueue(QueueEntry{EventType: "e0"})
	q.Enqueue(QueueEntry{EventType: "e1", Critical: true})
	for i := 2; i < 5; i++ {
		q.Enqueue(QueueEntry{EventType: fmt.Sprintf("e%d", i)})
	}

	// e0 is the oldest non-critical entry, so it goes first.
	if dropped := q.Enqueue(QueueEntry{EventType: "e5"}); !dropped {
		t.Fatal("overflow not reported")
	}

	var got []string
	for _, e := range q.Entries() {
		got = append(got, e.EventType)
	}
	want := []string{"e1", "e2", "e3", "e4", "e5"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestQueueFullOfCriticalDropsNewcomer(t *testing.T) {
	q := NewMessageQueue("room-1", "p1", 3)

	for i := 0; i < 3; i++ {
		q.Enqueue(QueueEntry{EventType: fmt.Sprintf("c%d", i), Critical: true})
	}

	if dropped := q.Enqueue(QueueEntry{EventType: "late"}); !dropped {
		t.Fatal("overflow not reported")
	}
	for _, e := range q.Entries() {
		if e.EventType == "late" {
			t.Fatal("newcomer displaced a critical entry")
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected queue to stay at capacity, len=%d", q.Len())
	}
}
