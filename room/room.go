// room/room.go
package room

import (
	"fmt"
)

// Status 表示房间在大厅中的业务状态
type Status int

const (
	StatusWaiting Status = iota
	StatusActive
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusActive:
		return "active"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "waiting":
		*s = StatusWaiting
	case "active":
		*s = StatusActive
	case "finished":
		*s = StatusFinished
	default:
		return fmt.Errorf("unknown room status %q", string(text))
	}
	return nil
}

// NoSeat marks a membership whose local player has not been seen in the
// player list yet.
const NoSeat = -1

// Membership is the local view of who sits in the room, in seat order.
type Membership struct {
	RoomID    string   `json:"room_id"`
	HostName  string   `json:"host_name"`
	Players   []string `json:"players"`
	SelfIndex int      `json:"self_index"`
}

// NewMembership returns an empty membership for roomID.
func NewMembership(roomID, hostName string) Membership {
	return Membership{
		RoomID:    roomID,
		HostName:  hostName,
		Players:   []string{},
		SelfIndex: NoSeat,
	}
}

// WithPlayers returns a copy seated with players and with SelfIndex
// recomputed against selfName. The first matching seat wins.
func (m Membership) WithPlayers(players []string, selfName string) Membership {
	next := m
	next.Players = append([]string{}, players...)
	next.SelfIndex = NoSeat
	if selfName == "" {
		return next
	}
	for i, name := range next.Players {
		if name == selfName {
			next.SelfIndex = i
			break
		}
	}
	return next
}

// Self returns the local player's seat, if known.
func (m Membership) Self() (int, bool) {
	if m.SelfIndex < 0 || m.SelfIndex >= len(m.Players) {
		return NoSeat, false
	}
	return m.SelfIndex, true
}

// IsHost reports whether name hosts the room.
func (m Membership) IsHost(name string) bool {
	return m.HostName != "" && m.HostName == name
}

// Contains reports whether name holds a seat.
func (m Membership) Contains(name string) bool {
	for _, p := range m.Players {
		if p == name {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no memory with m.
func (m Membership) Clone() Membership {
	out := m
	if m.Players != nil {
		out.Players = append([]string{}, m.Players...)
	}
	return out
}
