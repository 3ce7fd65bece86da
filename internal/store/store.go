// Package store provides optional on-disk persistence for the mesh
// store-and-forward favorite queue, so a daemon restart does not drop
// messages queued for an offline favorite.
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const favoriteQueueCap = 1000

// CachedMessage is the persisted row form of mesh.CachedMessage. It is kept
// as a plain model rather than importing mesh directly, so internal/store
// has no dependency on internal/mesh.
type CachedMessage struct {
	ID            uint   `gorm:"primarykey"`
	MessageID     string `gorm:"uniqueIndex:idx_recipient_message"`
	Recipient     string `gorm:"index:idx_recipient_message"` // hex fingerprint
	Packet        []byte `gorm:"not null"`
	OriginalTS    uint64
	StoredAt      time.Time
	IsForFavorite bool
}

// Open initializes the on-disk favorite queue database and runs migrations.
// An empty path disables persistence; callers should treat a nil *gorm.DB
// as "in-memory only".
func Open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, nil
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open favorite queue database: %w", err)
	}
	if err := db.AutoMigrate(&CachedMessage{}); err != nil {
		return nil, fmt.Errorf("migrate favorite queue database: %w", err)
	}
	return db, nil
}

// FavoriteQueue persists the store-and-forward cache for favorite
// recipients across restarts. It mirrors mesh.StoreForward's favorite-path
// bound (≤1000/recipient) but is backed by SQLite instead of memory.
type FavoriteQueue struct {
	db *gorm.DB
}

// NewFavoriteQueue wraps an already-opened database handle. A nil db
// makes every method a no-op, so callers can construct a FavoriteQueue
// unconditionally and skip the nil check themselves.
func NewFavoriteQueue(db *gorm.DB) *FavoriteQueue {
	return &FavoriteQueue{db: db}
}

// Enabled reports whether persistence is actually active.
func (q *FavoriteQueue) Enabled() bool {
	return q != nil && q.db != nil
}

// Put appends a message to recipient's persisted queue, trimming the
// oldest row past the 1000-message cap.
func (q *FavoriteQueue) Put(recipientHex string, m CachedMessage) error {
	if !q.Enabled() {
		return nil
	}
	m.Recipient = recipientHex
	if m.StoredAt.IsZero() {
		m.StoredAt = time.Now()
	}

	return q.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("insert cached message: %w", err)
		}

		var count int64
		if err := tx.Model(&CachedMessage{}).
			Where("recipient = ?", recipientHex).
			Count(&count).Error; err != nil {
			return err
		}
		if count <= favoriteQueueCap {
			return nil
		}

		excess := count - favoriteQueueCap
		var stale []CachedMessage
		if err := tx.Where("recipient = ?", recipientHex).
			Order("original_ts asc").
			Limit(int(excess)).
			Find(&stale).Error; err != nil {
			return err
		}
		for _, s := range stale {
			if err := tx.Delete(&s).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Flush returns every persisted message for recipient in timestamp order
// and removes them from the database, mirroring mesh.StoreForward.Flush's
// one-shot delivery semantics.
func (q *FavoriteQueue) Flush(recipientHex string) ([]CachedMessage, error) {
	if !q.Enabled() {
		return nil, nil
	}

	var rows []CachedMessage
	err := q.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("recipient = ?", recipientHex).
			Order("original_ts asc").
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Where("recipient = ?", recipientHex).Delete(&CachedMessage{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("flush favorite queue: %w", err)
	}
	return rows, nil
}
