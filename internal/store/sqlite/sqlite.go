// Package sqlite is a GORM-backed SQLite implementation of store.Backend.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/roomchat/internal/store"
)

// Backend stores messages in a single table indexed by room and timestamp.
type Backend struct {
	db *gorm.DB
}

var _ store.Backend = (*Backend)(nil)

type messageModel struct {
	ID          uint            `gorm:"primaryKey"`
	Room        string          `gorm:"size:200;not null;index:idx_messages_room_ts"`
	Text        string          `gorm:"not null"`
	Sender      string          `gorm:"size:100"`
	Color       string          `gorm:"size:32"`
	TimestampMs int64           `gorm:"not null;index:idx_messages_room_ts"`
	Reactions   store.Reactions `gorm:"serializer:json"`
	CreatedAt   time.Time
}

func (messageModel) TableName() string {
	return "messages"
}

// Open opens (or creates) the SQLite database at path. ":memory:" is accepted.
// The pool holds a single connection so every query sees the same in-memory
// database.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// New wraps an open database. Call Migrate before first use.
func New(db *gorm.DB) *Backend {
	return &Backend{db: db}
}

// Name identifies the backend in logs and health reports.
func (b *Backend) Name() string {
	return "sqlite"
}

// Migrate applies schema updates.
func (b *Backend) Migrate(ctx context.Context) error {
	return b.db.WithContext(ctx).AutoMigrate(&messageModel{})
}

// Close releases the underlying database connection.
func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append stores a new message row.
func (b *Backend) Append(ctx context.Context, msg store.Message) error {
	if msg.IsSystemMessage {
		return nil
	}
	model := toModel(msg)
	if err := b.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// LoadAll returns the room's messages oldest first.
func (b *Backend) LoadAll(ctx context.Context, room string) ([]store.Message, error) {
	var models []messageModel
	err := b.db.WithContext(ctx).
		Where("room = ?", room).
		Order("timestamp_ms asc, id asc").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	out := make([]store.Message, 0, len(models))
	for _, m := range models {
		out = append(out, fromModel(m))
	}
	return out, nil
}

// FindByTimestamp returns the earliest-inserted message with the timestamp.
func (b *Backend) FindByTimestamp(ctx context.Context, room string, ts time.Time) (store.Message, error) {
	model, err := first(b.db.WithContext(ctx), room, ts)
	if err != nil {
		return store.Message{}, err
	}
	return fromModel(model), nil
}

// MutateReactions reads, updates and saves the row inside one transaction.
func (b *Backend) MutateReactions(ctx context.Context, room string, ts time.Time, emoji, user string, op store.ReactionOp) (store.Message, error) {
	var out store.Message
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := first(tx, room, ts)
		if err != nil {
			return err
		}
		model.Reactions = model.Reactions.Apply(emoji, user, op)
		if err := tx.Save(&model).Error; err != nil {
			return fmt.Errorf("save reactions: %w", err)
		}
		out = fromModel(model)
		return nil
	})
	return out, err
}

func first(tx *gorm.DB, room string, ts time.Time) (messageModel, error) {
	var model messageModel
	err := tx.Where("room = ? AND timestamp_ms = ?", room, ts.UnixMilli()).
		Order("id asc").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model, store.ErrNotFound
		}
		return model, fmt.Errorf("find message: %w", err)
	}
	return model, nil
}

func toModel(msg store.Message) messageModel {
	return messageModel{
		Room:        msg.Room,
		Text:        msg.Text,
		Sender:      msg.Sender,
		Color:       msg.Color,
		TimestampMs: msg.Timestamp.UnixMilli(),
		Reactions:   msg.Reactions,
	}
}

func fromModel(m messageModel) store.Message {
	msg := store.Message{
		Room:      m.Room,
		Text:      m.Text,
		Sender:    m.Sender,
		Color:     m.Color,
		Timestamp: time.UnixMilli(m.TimestampMs).UTC(),
	}
	if len(m.Reactions) > 0 {
		msg.Reactions = m.Reactions
	}
	return msg
}
