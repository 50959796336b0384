package statesync

import (
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/go-test/deep"
	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/pubsub"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// capturingBus records published events without propagating anything.
type capturingBus struct {
	mu     sync.Mutex
	events []pubsub.Event
}

func (b *capturingBus) Publish(ev pubsub.Event) (int, error) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return 0, nil
}

func (b *capturingBus) published() []pubsub.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]pubsub.Event(nil), b.events...)
}

func newTestSynchronizer(historyDepth, deltaWindow int) (*Synchronizer, *capturingBus) {
	bus := &capturingBus{}
	return NewSynchronizer(testLogger(), bus, historyDepth, deltaWindow), bus
}

func mintVersions(t *testing.T, s *Synchronizer, gameID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := s.CreateSnapshot(
			gameID, "play",
			map[string]any{"counter": i},
			map[string]PlayerSummary{"p1": {Name: "Ada", Seat: 0, Score: i}},
			1, i, "turn",
		)
		if err != nil {
			t.Fatalf("snapshot %d failed: %v", i, err)
		}
	}
}

func TestVersionsAreSequentialAndNoticed(t *testing.T) {
	s, bus := newTestSynchronizer(10, 10)

	mintVersions(t, s, "game-1", 3)

	if v, ok := s.CurrentVersion("game-1"); !ok || v != 3 {
		t.Fatalf("expected current version 3, got %d (%v)", v, ok)
	}
	if diff := deep.Equal(s.VersionHistory("game-1", 0), []int64{1, 2, 3}); diff != nil {
		t.Fatalf("version history mismatch: %v", diff)
	}

	events := bus.published()
	if len(events) != 3 {
		t.Fatalf("expected 3 update notices, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Type != EventStateUpdate || ev.Scope != pubsub.ScopeRoom || ev.TargetID != "game-1" {
			t.Fatalf("notice %d has wrong routing: %+v", i, ev)
		}
		notice, ok := ev.Data.(UpdateNotice)
		if !ok {
			t.Fatalf("notice %d has wrong payload type %T", i, ev.Data)
		}
		if notice.Version != int64(i+1) {
			t.Fatalf("notice %d carries version %d", i, notice.Version)
		}
	}
}

func TestHistoryAndDeltaLogsAreBounded(t *testing.T) {
	s, _ := newTestSynchronizer(3, 2)

	mintVersions(t, s, "game-1", 6)

	if diff := deep.Equal(s.VersionHistory("game-1", 0), []int64{4, 5, 6}); diff != nil {
		t.Fatalf("history not bounded: %v", diff)
	}
	if _, ok := s.SnapshotByVersion("game-1", 3); ok {
		t.Fatal("evicted snapshot still retrievable")
	}
	if snap, ok := s.SnapshotByVersion("game-1", 5); !ok || snap.Version != 5 {
		t.Fatal("retained snapshot not retrievable")
	}

	// A client at version 4 is still within the retained delta window.
	cv := int64(4)
	payload, err := s.SyncState("c1", "game-1", &cv, "sync_request")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if payload.Mode != SyncDelta || len(payload.Deltas) != 2 {
		t.Fatalf("expected 2 deltas within window, got %+v", payload)
	}
	cv = 3
	payload, err = s.SyncState("c1", "game-1", &cv, "sync_request")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if payload.Mode != SyncFull {
		t.Fatalf("expected full sync past delta window, got %+v", payload)
	}
}

func TestChecksumSurvivesSerializationRoundTrip(t *testing.T) {
	s, _ := newTestSynchronizer(5, 5)

	snap, err := s.CreateSnapshot(
		"game-1", "bidding",
		map[string]any{"highBid": "120", "dealer": "p2"},
		map[string]PlayerSummary{
			"p1": {Name: "Ada", Seat: 0, Score: 40},
			"p2": {Name: "Bo", Seat: 1, Score: 55, Connected: true},
		},
		2, 7, "phase_change",
	)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !ValidateChecksum(snap) {
		t.Fatal("fresh snapshot failed checksum validation")
	}

	wire, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !ValidateChecksum(&decoded) {
		t.Fatal("checksum did not survive the wire round trip")
	}

	decoded.Phase = "scoring"
	if ValidateChecksum(&decoded) {
		t.Fatal("checksum validated a tampered snapshot")
	}
}

func TestSyncModeSelection(t *testing.T) {
	s, bus := newTestSynchronizer(10, 10)

	if _, err := s.SyncState("c1", "missing", nil, "sync_request"); err != ErrGameNotFound {
		t.Fatalf("expected ErrGameNotFound, got %v", err)
	}

	mintVersions(t, s, "game-1", 5)

	// No client version at all means full.
	payload, err := s.SyncState("c1", "game-1", nil, "request_full_sync")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if payload.Mode != SyncFull || payload.Snapshot == nil || payload.Version != 5 {
		t.Fatalf("expected full snapshot at v5, got %+v", payload)
	}
	if payload.Snapshot.Checksum != payload.Checksum {
		t.Fatal("payload checksum does not match snapshot checksum")
	}

	// A client within the window gets exactly the missing deltas, in order.
	cv := int64(2)
	payload, err = s.SyncState("c1", "game-1", &cv, "sync_request")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if payload.Mode != SyncDelta || payload.Snapshot != nil {
		t.Fatalf("expected delta sync, got %+v", payload)
	}
	var ranges [][2]int64
	for _, d := range payload.Deltas {
		ranges = append(ranges, [2]int64{d.FromVersion, d.ToVersion})
	}
	if diff := deep.Equal(ranges, [][2]int64{{2, 3}, {3, 4}, {4, 5}}); diff != nil {
		t.Fatalf("delta range mismatch: %v", diff)
	}

	// An up-to-date client gets an empty delta payload.
	cv = 5
	payload, err = s.SyncState("c1", "game-1", &cv, "sync_request")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if payload.Mode != SyncDelta || len(payload.Deltas) != 0 || payload.Version != 5 {
		t.Fatalf("expected empty delta payload, got %+v", payload)
	}

	// A client claiming a future version is treated as out of sync.
	cv = 9
	payload, err = s.SyncState("c1", "game-1", &cv, "sync_request")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if payload.Mode != SyncFull {
		t.Fatalf("expected full sync for future client version, got %+v", payload)
	}

	// Every sync pushes the payload to the requesting connection.
	var pushes int
	for _, ev := range bus.published() {
		if ev.Scope == pubsub.ScopeSingle {
			if ev.TargetID != "c1" {
				t.Fatalf("sync pushed to wrong connection: %+v", ev)
			}
			if _, ok := ev.Data.(*SyncPayload); !ok {
				t.Fatalf("sync push has wrong payload type %T", ev.Data)
			}
			pushes++
		}
	}
	if pushes != 4 {
		t.Fatalf("expected 4 sync pushes, got %d", pushes)
	}
}

func TestDiffSnapshots(t *testing.T) {
	prev := &Snapshot{
		Phase:     "bidding",
		PhaseData: map[string]any{"highBid": 80, "dealer": "p1"},
		Players: map[string]PlayerSummary{
			"p1": {Name: "Ada", Seat: 0, Score: 10, Connected: true},
			"p2": {Name: "Bo", Seat: 1, Score: 20, Connected: true},
		},
		Round: 1,
		Turn:  3,
	}
	next := &Snapshot{
		Phase:     "play",
		PhaseData: map[string]any{"highBid": 120},
		Players: map[string]PlayerSummary{
			"p1": {Name: "Ada", Seat: 0, Score: 10, Connected: true},
			"p2": {Name: "Bo", Seat: 1, Score: 20, Connected: false},
			"p3": {Name: "Cy", Seat: 2},
		},
		Round: 1,
		Turn:  4,
	}

	want := []Change{
		{Op: OpSet, Path: "phase", Value: "play"},
		{Op: OpSet, Path: "turn", Value: 4},
		{Op: OpSet, Path: "phaseData.highBid", Value: 120},
		{Op: OpRemove, Path: "phaseData.dealer"},
		{Op: OpSet, Path: "players.p2", Value: next.Players["p2"]},
		{Op: OpSet, Path: "players.p3", Value: next.Players["p3"]},
	}
	if diff := deep.Equal(diffSnapshots(prev, next), want); diff != nil {
		t.Fatalf("diff mismatch: %v", diff)
	}

	if got := diffSnapshots(prev, prev); len(got) != 0 {
		t.Fatalf("diff of identical snapshots must be empty, got %v", got)
	}
}

func TestCaptureReadsGameState(t *testing.T) {
	s, _ := newTestSynchronizer(5, 5)

	snap, err := s.Capture("game-1", stubGame{}, "phase_change")
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if snap.Phase != "scoring" || snap.Round != 3 || snap.Turn != 12 {
		t.Fatalf("capture read wrong fields: %+v", snap)
	}
	if snap.Players["p1"].Score != 90 {
		t.Fatalf("capture read wrong players: %+v", snap.Players)
	}
}

func TestDropGameForgetsState(t *testing.T) {
	s, _ := newTestSynchronizer(5, 5)

	mintVersions(t, s, "game-1", 2)
	s.DropGame("game-1")

	if _, ok := s.CurrentVersion("game-1"); ok {
		t.Fatal("dropped game still has a version")
	}
	if _, err := s.SyncState("c1", "game-1", nil, "sync_request"); err != ErrGameNotFound {
		t.Fatalf("expected ErrGameNotFound after drop, got %v", err)
	}
}

type stubGame struct{}

func (stubGame) Phase() string            { return "scoring" }
func (stubGame) PhaseData() map[string]any { return map[string]any{"multiplier": "2x"} }
func (stubGame) Players() map[string]PlayerSummary {
	return map[string]PlayerSummary{"p1": {Name: "Ada", Score: 90}}
}
func (stubGame) RoundNumber() int { return 3 }
func (stubGame) TurnNumber() int  { return 12 }
