package pubsub

import (
	"sort"
	"testing"
)

func TestSubscribersMatchRules(t *testing.T) {
	sm := NewSubscriptionManager()

	sm.Subscribe("c1", "game", "", nil)
	sm.Subscribe("c2", "game", "game-7", nil)
	sm.Subscribe("c3", "game", "game-8", nil)
	sm.Subscribe("c4", "player", "", nil)
	sm.Subscribe("c5", "game", "", func(ev ChangeEvent) bool {
		data, ok := ev.Data.(map[string]any)
		return ok && data["phase"] == "scoring"
	})

	got := sm.Subscribers(ChangeEvent{EntityType: "game", EntityID: "game-7"})
	sort.Strings(got)
	want := []string{"c1", "c2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}

	got = sm.Subscribers(ChangeEvent{
		EntityType: "game",
		EntityID:   "game-7",
		Data:       map[string]any{"phase": "scoring"},
	})
	if len(got) != 3 {
		t.Fatalf("expected predicate subscriber to match, got %v", got)
	}

	if got := sm.Subscribers(ChangeEvent{EntityType: "room", EntityID: "x"}); len(got) != 0 {
		t.Fatalf("expected no matches for unsubscribed type, got %v", got)
	}
}

func TestSubscribersDeduplicatesConnections(t *testing.T) {
	sm := NewSubscriptionManager()

	sm.Subscribe("c1", "game", "", nil)
	sm.Subscribe("c1", "game", "game-7", nil)

	got := sm.Subscribers(ChangeEvent{EntityType: "game", EntityID: "game-7"})
	if len(got) != 1 || got[0] != "c1" {
		t.Fatalf("expected single c1 match, got %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	sm := NewSubscriptionManager()

	subID := sm.Subscribe("c1", "game", "", nil)
	if !sm.Unsubscribe(subID) {
		t.Fatal("expected unsubscribe of live subscription to succeed")
	}
	if sm.Unsubscribe(subID) {
		t.Fatal("expected second unsubscribe to report missing")
	}
	if got := sm.Subscribers(ChangeEvent{EntityType: "game"}); len(got) != 0 {
		t.Fatalf("expected no subscribers, got %v", got)
	}
}

func TestRemoveConnectionDropsAllSubscriptions(t *testing.T) {
	sm := NewSubscriptionManager()

	sm.Subscribe("c1", "game", "", nil)
	sm.Subscribe("c1", "player", "p1", nil)
	sm.Subscribe("c2", "game", "", nil)

	sm.RemoveConnection("c1")

	if got := sm.Count(); got != 1 {
		t.Fatalf("expected 1 surviving subscription, got %d", got)
	}
	got := sm.Subscribers(ChangeEvent{EntityType: "game"})
	if len(got) != 1 || got[0] != "c2" {
		t.Fatalf("expected only c2, got %v", got)
	}
}
