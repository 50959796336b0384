package statesync

import (
	"reflect"
	"sort"
	"time"
)

// ChangeOp identifies the kind of change a delta entry applies.
type ChangeOp string

const (
	OpSet    ChangeOp = "set"
	OpRemove ChangeOp = "remove"
)

// Change is one entry of a structural diff. Paths address the snapshot's
// mutable fields: "phase", "round", "turn", "phaseData.<key>" and
// "players.<id>".
type Change struct {
	Op    ChangeOp `json:"op"`
	Path  string   `json:"path"`
	Value any      `json:"value,omitempty"`
}

// Delta carries the changes between two consecutive snapshot versions.
// Checksum is the checksum of the ToVersion snapshot so clients can verify
// the result of applying the delta.
type Delta struct {
	GameID      string    `json:"gameId"`
	FromVersion int64     `json:"fromVersion"`
	ToVersion   int64     `json:"toVersion"`
	Changes     []Change  `json:"changes"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"createdAt"`
}

// diffSnapshots computes the structural diff between two consecutive
// snapshots. Change order is deterministic: scalar fields first, then
// phaseData and players keys in sorted order.
func diffSnapshots(prev, next *Snapshot) []Change {
	var changes []Change

	if prev.Phase != next.Phase {
		changes = append(changes, Change{Op: OpSet, Path: "phase", Value: next.Phase})
	}
	if prev.Round != next.Round {
		changes = append(changes, Change{Op: OpSet, Path: "round", Value: next.Round})
	}
	if prev.Turn != next.Turn {
		changes = append(changes, Change{Op: OpSet, Path: "turn", Value: next.Turn})
	}

	for _, key := range sortedKeys(next.PhaseData) {
		val := next.PhaseData[key]
		old, ok := prev.PhaseData[key]
		if !ok || !reflect.DeepEqual(old, val) {
			changes = append(changes, Change{Op: OpSet, Path: "phaseData." + key, Value: val})
		}
	}
	for _, key := range sortedKeys(prev.PhaseData) {
		if _, ok := next.PhaseData[key]; !ok {
			changes = append(changes, Change{Op: OpRemove, Path: "phaseData." + key})
		}
	}

	for _, id := range sortedKeys(next.Players) {
		summary := next.Players[id]
		old, ok := prev.Players[id]
		if !ok || old != summary {
			changes = append(changes, Change{Op: OpSet, Path: "players." + id, Value: summary})
		}
	}
	for _, id := range sortedKeys(prev.Players) {
		if _, ok := next.Players[id]; !ok {
			changes = append(changes, Change{Op: OpRemove, Path: "players." + id})
		}
	}

	return changes
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
