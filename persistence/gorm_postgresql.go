// persistence/gorm_postgresql.go
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wfunc/tycoon/logger"
	"github.com/wfunc/tycoon/models"
	"github.com/wfunc/tycoon/room"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormArchive 使用GORM的快照存档实现
type GormArchive struct {
	db *gorm.DB
}

// PostgresDSN builds a key/value connection string.
func PostgresDSN(host string, port int, user, password, dbname string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)
}

// NewGormPostgreSQL connects to PostgreSQL and migrates the archive tables.
func NewGormPostgreSQL(host string, port int, user, password, dbname string) (*GormArchive, error) {
	return OpenGormArchive(postgres.Open(PostgresDSN(host, port, user, password, dbname)))
}

// OpenGormArchive opens an archive on any GORM dialector.
func OpenGormArchive(dialector gorm.Dialector) (*GormArchive, error) {
	// 配置GORM日志
	gormLogger := gormlogger.New(
		zapWriter{},
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// 设置连接池
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := autoMigrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &GormArchive{db: db}, nil
}

// zapWriter routes GORM's log lines into the process logger.
type zapWriter struct{}

func (zapWriter) Printf(format string, args ...interface{}) {
	logger.Log.Warnf(format, args...)
}

// SnapshotModel is one row of snapshot history.
type SnapshotModel struct {
	ID          uint              `gorm:"primaryKey"`
	RoomID      string            `gorm:"index:idx_snapshot_room_player;not null"`
	PlayerName  string            `gorm:"index:idx_snapshot_room_player;not null"`
	Status      string            `gorm:"not null"`
	RoundNumber int               `gorm:"not null;default:0"`
	Membership  room.Membership   `gorm:"serializer:json"`
	Game        *models.GameState `gorm:"serializer:json"`
	ReceivedAt  time.Time         `gorm:"not null"`
	CreatedAt   time.Time
}

// RoomSessionModel is the latest known state of a room per local player.
type RoomSessionModel struct {
	ID         uint     `gorm:"primaryKey"`
	RoomID     string   `gorm:"uniqueIndex:idx_session_room_player;not null"`
	PlayerName string   `gorm:"uniqueIndex:idx_session_room_player;not null"`
	HostName   string   `gorm:"not null;default:''"`
	Players    []string `gorm:"serializer:json"`
	Status     string   `gorm:"not null"`
	Snapshots  int      `gorm:"not null;default:0"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (SnapshotModel) TableName() string    { return "snapshots" }
func (RoomSessionModel) TableName() string { return "room_sessions" }

// autoMigrate 自动迁移表结构
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SnapshotModel{},
		&RoomSessionModel{},
	)
}

// statusLabel names the room's phase for indexing; a room without a game
// is still waiting.
func statusLabel(g *models.GameState) string {
	if g == nil {
		return models.StatusWaiting.String()
	}
	return g.Status.String()
}

func toSnapshotModel(rec SnapshotRecord) SnapshotModel {
	m := SnapshotModel{
		RoomID:     rec.RoomID,
		PlayerName: rec.PlayerName,
		Status:     statusLabel(rec.Game),
		Membership: rec.Membership.Clone(),
		Game:       rec.Game.Clone(),
		ReceivedAt: rec.ReceivedAt.UTC(),
	}
	if rec.Game != nil {
		m.RoundNumber = rec.Game.RoundNumber
	}
	return m
}

func fromSnapshotModel(m SnapshotModel) SnapshotRecord {
	return SnapshotRecord{
		RoomID:     m.RoomID,
		PlayerName: m.PlayerName,
		Membership: m.Membership,
		Game:       m.Game,
		ReceivedAt: m.ReceivedAt,
	}
}

// SaveSnapshot appends rec to the history and refreshes the room session.
func (a *GormArchive) SaveSnapshot(ctx context.Context, rec SnapshotRecord) error {
	if a == nil || a.db == nil {
		return ErrNotConfigured
	}
	if rec.RoomID == "" || rec.PlayerName == "" {
		return fmt.Errorf("snapshot needs a room id and a player name")
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	snapshot := toSnapshotModel(rec)

	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&snapshot).Error; err != nil {
			return err
		}
		session := RoomSessionModel{
			RoomID:     rec.RoomID,
			PlayerName: rec.PlayerName,
			HostName:   rec.Membership.HostName,
			Players:    append([]string{}, rec.Membership.Players...),
			Status:     snapshot.Status,
			Snapshots:  1,
		}
		// 使用UPSERT操作
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "room_id"}, {Name: "player_name"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"host_name":  session.HostName,
				"players":    gorm.Expr("excluded.players"),
				"status":     session.Status,
				"snapshots":  gorm.Expr("room_sessions.snapshots + 1"),
				"updated_at": time.Now(),
			}),
		}).Create(&session).Error
	})
}

// LatestSnapshot returns the newest snapshot playerName received in roomID.
func (a *GormArchive) LatestSnapshot(ctx context.Context, roomID, playerName string) (SnapshotRecord, error) {
	if a == nil || a.db == nil {
		return SnapshotRecord{}, ErrNotConfigured
	}
	var m SnapshotModel
	err := a.db.WithContext(ctx).
		Where("room_id = ? AND player_name = ?", roomID, playerName).
		Order("id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SnapshotRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return SnapshotRecord{}, err
	}
	return fromSnapshotModel(m), nil
}

// History returns up to limit snapshots for roomID, newest first.
func (a *GormArchive) History(ctx context.Context, roomID string, limit int) ([]SnapshotRecord, error) {
	if a == nil || a.db == nil {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []SnapshotModel
	if err := a.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]SnapshotRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromSnapshotModel(m))
	}
	return out, nil
}

// Close 关闭数据库连接
func (a *GormArchive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
