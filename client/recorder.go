// client/recorder.go
package client

import (
	"context"
	"sync"
	"time"

	"github.com/wfunc/tycoon/logger"
	"github.com/wfunc/tycoon/monitor"
	"github.com/wfunc/tycoon/persistence"
	"github.com/wfunc/tycoon/state"
)

const (
	recorderBacklog = 64
	archiveTimeout  = 5 * time.Second
)

// recorder writes state changes to an archive off the routing goroutine.
// When the archive falls behind, new snapshots are dropped.
type recorder struct {
	archive    persistence.Archive
	playerName string
	monitor    *monitor.Monitor

	queue     chan persistence.SnapshotRecord
	done      chan struct{}
	closeOnce sync.Once
}

func newRecorder(archive persistence.Archive, playerName string, mon *monitor.Monitor) *recorder {
	r := &recorder{
		archive:    archive,
		playerName: playerName,
		monitor:    mon,
		queue:      make(chan persistence.SnapshotRecord, recorderBacklog),
		done:       make(chan struct{}),
	}
	go r.loop()
	return r
}

// record is a state.Listener.
func (r *recorder) record(s state.Snapshot) {
	if s.Membership.RoomID == "" {
		return
	}
	rec := persistence.SnapshotRecord{
		RoomID:     s.Membership.RoomID,
		PlayerName: r.playerName,
		Membership: s.Membership,
		Game:       s.Game,
		ReceivedAt: time.Now(),
	}
	select {
	case r.queue <- rec:
	default:
		logger.Log.Warnf("Archive backlog full, dropping snapshot of room %s", rec.RoomID)
	}
}

func (r *recorder) loop() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		err := r.archive.SaveSnapshot(ctx, rec)
		cancel()
		r.monitor.ArchiveWrite(err)
		if err != nil {
			logger.Log.Errorf("Failed to archive snapshot of room %s: %v", rec.RoomID, err)
		}
	}
}

// close flushes pending snapshots and closes the archive.
func (r *recorder) close() {
	r.closeOnce.Do(func() {
		close(r.queue)
		<-r.done
		if err := r.archive.Close(); err != nil {
			logger.Log.Errorf("Failed to close archive: %v", err)
		}
	})
}
