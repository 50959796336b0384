package statesync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// PlayerSummary is the per-player slice of a snapshot.
type PlayerSummary struct {
	Name      string `json:"name"`
	Seat      int    `json:"seat"`
	Score     int    `json:"score"`
	IsBot     bool   `json:"isBot"`
	Connected bool   `json:"connected"`
}

// Snapshot is an immutable, versioned, checksummed copy of a game's visible
// state. Versions are unique and strictly ordered within one game; the
// synchronizer is the only minter.
type Snapshot struct {
	Version   int64                    `json:"version"`
	GameID    string                   `json:"gameId"`
	Phase     string                   `json:"phase"`
	PhaseData map[string]any           `json:"phaseData"`
	Players   map[string]PlayerSummary `json:"players"`
	Round     int                      `json:"round"`
	Turn      int                      `json:"turn"`
	CreatedAt time.Time                `json:"createdAt"`
	Checksum  string                   `json:"checksum"`
}

// computeChecksum digests the canonical serialization of every field except
// the checksum itself. encoding/json emits map keys in sorted order, which
// makes the serialization deterministic for equal values.
func computeChecksum(s *Snapshot) (string, error) {
	shadow := *s
	shadow.Checksum = ""

	b, err := json.Marshal(&shadow)
	if err != nil {
		return "", fmt.Errorf("serializing snapshot for checksum: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ValidateChecksum reports whether a snapshot's checksum matches its fields.
// Holds immediately after creation and after any serialize/deserialize round
// trip.
func ValidateChecksum(s *Snapshot) bool {
	sum, err := computeChecksum(s)
	if err != nil {
		return false
	}
	return sum == s.Checksum
}

// GameState is the narrow capability set the domain layer implements so the
// synchronizer never probes loosely-typed game objects for optional fields.
type GameState interface {
	Phase() string
	PhaseData() map[string]any
	Players() map[string]PlayerSummary
	RoundNumber() int
	TurnNumber() int
}
