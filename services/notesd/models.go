package notesd

import (
	"time"

	"gorm.io/gorm"

	"notegate/sdk/notes"
)

// Note is the persisted registry row. Amount columns hold decimal strings.
type Note struct {
	ID             uint      `gorm:"primaryKey"`
	TokenID        string    `gorm:"size:78;uniqueIndex;not null"`
	Title          string    `gorm:"not null"`
	Content        string    `gorm:"type:text;not null"`
	Course         string    `gorm:"size:64"`
	Topic          string    `gorm:"size:256"`
	Author         string    `gorm:"size:42;index;not null"`
	Timestamp      time.Time `gorm:"index;not null"`
	PriceInWei     string    `gorm:"size:78;not null"`
	MaxSupplyInWei string    `gorm:"size:78;not null"`
	TokenURI       string    `gorm:"not null"`
	ContentHash    string    `gorm:"size:66;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Note{})
}

func (n Note) record() notes.Record {
	return notes.Record{
		TokenID:        n.TokenID,
		Title:          n.Title,
		Content:        n.Content,
		Course:         n.Course,
		Topic:          n.Topic,
		Author:         n.Author,
		Timestamp:      n.Timestamp.UTC(),
		PriceInWei:     n.PriceInWei,
		MaxSupplyInWei: n.MaxSupplyInWei,
		TokenURI:       n.TokenURI,
		ContentHash:    n.ContentHash,
	}
}

func noteFromRecord(r notes.Record) Note {
	return Note{
		TokenID:        r.TokenID,
		Title:          r.Title,
		Content:        r.Content,
		Course:         r.Course,
		Topic:          r.Topic,
		Author:         r.Author,
		Timestamp:      r.Timestamp,
		PriceInWei:     r.PriceInWei,
		MaxSupplyInWei: r.MaxSupplyInWei,
		TokenURI:       r.TokenURI,
		ContentHash:    r.ContentHash,
	}
}
