// persistence/interface.go
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/wfunc/tycoon/models"
	"github.com/wfunc/tycoon/room"
)

// SnapshotRecord is one authoritative state the client received.
type SnapshotRecord struct {
	RoomID     string
	PlayerName string
	Membership room.Membership
	Game       *models.GameState
	ReceivedAt time.Time
}

// Archive keeps a history of received room state.
type Archive interface {
	SaveSnapshot(ctx context.Context, rec SnapshotRecord) error
	LatestSnapshot(ctx context.Context, roomID, playerName string) (SnapshotRecord, error)
	History(ctx context.Context, roomID string, limit int) ([]SnapshotRecord, error)
	Close() error
}

// 错误定义
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrNotConfigured  = errors.New("storage is not configured")
)
