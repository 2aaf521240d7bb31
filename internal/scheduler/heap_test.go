package scheduler

import (
	"testing"
	"time"
)

func TestHeapPushPopOrdering(t *testing.T) {
	h := &scheduleHeap{}
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	heapPush(h, Trigger{ID: "R3", FireAt: base.Add(3 * time.Hour)})
	heapPush(h, Trigger{ID: "R1", FireAt: base.Add(1 * time.Hour)})
	heapPush(h, Trigger{ID: "R2", FireAt: base.Add(2 * time.Hour)})

	for _, want := range []string{"R1", "R2", "R3"} {
		if got := heapPop(h).ID; got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}

func TestHeapDuplicateFireTimes(t *testing.T) {
	h := &scheduleHeap{}
	same := time.Now().Add(time.Hour)
	for _, id := range []string{"A", "B", "C"} {
		heapPush(h, Trigger{ID: id, FireAt: same})
	}

	seen := map[string]bool{}
	for h.Len() > 0 {
		tr := heapPop(h)
		if seen[tr.ID] {
			t.Errorf("duplicate pop for %s", tr.ID)
		}
		seen[tr.ID] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 distinct triggers, got %d", len(seen))
	}
}

func TestHeapRemoveByID(t *testing.T) {
	h := &scheduleHeap{}
	now := time.Now()
	heapPush(h, Trigger{ID: "A", FireAt: now.Add(1 * time.Hour)})
	heapPush(h, Trigger{ID: "B", FireAt: now.Add(2 * time.Hour)})
	heapPush(h, Trigger{ID: "C", FireAt: now.Add(3 * time.Hour)})

	if !heapRemoveByID(h, "B") {
		t.Fatal("expected removal to succeed")
	}
	if heapRemoveByID(h, "missing") {
		t.Error("expected removal of unknown id to fail")
	}
	if first := heapPop(h); first.ID != "A" {
		t.Errorf("expected A, got %s", first.ID)
	}
	if second := heapPop(h); second.ID != "C" {
		t.Errorf("expected C, got %s", second.ID)
	}
}

func TestHeapReplaceKeepsOnePerID(t *testing.T) {
	h := &scheduleHeap{}
	now := time.Now()
	heapReplace(h, Trigger{ID: "R42", FireAt: now.Add(time.Hour)})
	heapReplace(h, Trigger{ID: "R43", FireAt: now.Add(2 * time.Hour)})
	heapReplace(h, Trigger{ID: "R42", FireAt: now.Add(3 * time.Hour)})

	if h.Len() != 2 {
		t.Fatalf("expected 2 triggers, got %d", h.Len())
	}
	if first := heapPop(h); first.ID != "R43" {
		t.Errorf("replaced trigger should move behind R43, got %s first", first.ID)
	}
}
