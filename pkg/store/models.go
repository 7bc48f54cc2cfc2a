package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.

type DiaryEntryModel struct {
	UserID    string    `gorm:"primaryKey"`
	Date      string    `gorm:"primaryKey"`
	Content   string    `gorm:"type:text;not null"`
	IsDeleted bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// ChangeEventModel is the append-only change feed. The auto-increment ID is
// the feed sequence; per-key ordering follows from its monotonicity.
type ChangeEventModel struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement"`
	EventType string         `gorm:"not null"`
	UserID    string         `gorm:"not null;index:idx_change_events_key"`
	Date      string         `gorm:"not null;index:idx_change_events_key"`
	Before    datatypes.JSON `gorm:"type:jsonb"`
	After     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
}

type ConsumerCursorModel struct {
	Consumer  string    `gorm:"primaryKey"`
	Position  uint64    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type AssetModel struct {
	UserID    string `gorm:"primaryKey"`
	DateKey   string `gorm:"primaryKey"`
	Kind      string `gorm:"primaryKey"`
	Status    string `gorm:"not null"`
	BlobRef   string
	TextValue string
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type BouquetModel struct {
	UserID         string    `gorm:"primaryKey"`
	YearWeek       string    `gorm:"primaryKey"`
	BlobRef        string    `gorm:"not null"`
	SourceDayCount int       `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

type PipelineFailureModel struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Consumer     string `gorm:"not null;index"`
	UserID       string
	Date         string
	Sequence     uint64
	ErrorMessage string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null;index"`
}
