package network

import (
	"errors"
	"net/url"
	"strings"
)

// Target identifies the logical session a connection serves.
// Two targets are equal iff both fields match, so == is the comparison.
type Target struct {
	RoomID        string
	ParticipantID string
}

var ErrInvalidTarget = errors.New("target needs both a room id and a participant id")

func (t Target) Validate() error {
	if strings.TrimSpace(t.RoomID) == "" || strings.TrimSpace(t.ParticipantID) == "" {
		return ErrInvalidTarget
	}
	return nil
}

func (t Target) String() string {
	return t.RoomID + "/" + t.ParticipantID
}

// Endpoint builds the duplex address for t: {scheme}://{base}/{roomId}/{participantId}.
// The scheme is ws, or wss when secure is set. A base that already names a
// scheme (ws, wss, http, https) keeps it, mapped onto its WebSocket form.
// Both identifiers are escaped as single path segments.
func Endpoint(base string, secure bool, t Target) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	if i := strings.Index(base, "://"); i >= 0 {
		switch strings.ToLower(base[:i]) {
		case "wss", "https":
			scheme = "wss"
		case "ws", "http":
			scheme = "ws"
		}
		base = base[i+3:]
	}
	base = strings.TrimRight(base, "/")
	return scheme + "://" + base + "/" + url.PathEscape(t.RoomID) + "/" + url.PathEscape(t.ParticipantID)
}
