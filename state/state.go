// state/state.go
package state

import (
	"slices"

	"github.com/wfunc/tycoon/models"
	"github.com/wfunc/tycoon/network"
	"github.com/wfunc/tycoon/room"
)

// Snapshot is everything the client knows about its room.
// Game is nil until the server pushes the first game state.
type Snapshot struct {
	Membership room.Membership   `json:"membership"`
	Game       *models.GameState `json:"game"`
}

// Empty returns the state of a freshly entered room.
func Empty(roomID, hostName string) Snapshot {
	return Snapshot{Membership: room.NewMembership(roomID, hostName)}
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Membership: s.Membership.Clone(),
		Game:       s.Game.Clone(),
	}
}

// Reduce folds one event into prev and reports whether anything changed.
// It never modifies prev or ev.
//
// A roster replaces the seat list and recomputes the local seat. A game
// snapshot replaces the previous one outright. Anything else is ignored.
func Reduce(prev Snapshot, selfName string, ev network.Event) (Snapshot, bool) {
	switch e := ev.(type) {
	case network.PlayerJoined:
		next := prev.Membership.WithPlayers(e.Players, selfName)
		if slices.Equal(next.Players, prev.Membership.Players) && next.SelfIndex == prev.Membership.SelfIndex {
			return prev, false
		}
		return Snapshot{Membership: next, Game: prev.Game}, true

	case network.GameStarted:
		return Snapshot{Membership: prev.Membership, Game: e.Snapshot.Clone()}, true

	case network.GameStateChanged:
		return Snapshot{Membership: prev.Membership, Game: e.Snapshot.Clone()}, true

	default:
		return prev, false
	}
}
