package database

import (
	"errors"

	"gorm.io/gorm"

	"github.com/wavechat/wavechat/internal/models"
)

// AutoMigrate applies the schema for every persistent model.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("nil database handle")
	}

	return db.AutoMigrate(
		&models.User{},
		&models.Room{},
		&models.RoomParticipant{},
		&models.File{},
		&models.Message{},
		&models.MessageReader{},
		&models.MessageReaction{},
		&models.CacheEntry{},
	)
}
