package domain

import "time"

// EventType classifies a diary entry mutation on the change feed.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventModify EventType = "MODIFY"
	EventRemove EventType = "REMOVE"
)

// AssetKind names one derived artifact type.
type AssetKind string

const (
	KindTitle       AssetKind = "title"
	KindFlowerRaw   AssetKind = "flower_raw"
	KindFlowerFinal AssetKind = "flower_final"
	KindBouquet     AssetKind = "bouquet"
)

// AssetStatus is the lifecycle state of a derived artifact.
type AssetStatus string

const (
	AssetPending AssetStatus = "pending"
	AssetReady   AssetStatus = "ready"
	AssetFailed  AssetStatus = "failed"
)

// DiaryEntry is one diary text for one user on one day.
// The pipeline never mutates entries; it only reads them off the change feed.
type DiaryEntry struct {
	UserID    string    `json:"userId"`
	Date      string    `json:"date"` // YYYY-MM-DD
	Content   string    `json:"content"`
	IsDeleted bool      `json:"isDeleted"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChangeRecord describes one mutation to a DiaryEntry. Records sharing a
// (userId, date) key are delivered to each consumer in non-decreasing
// Sequence order; delivery is at least once.
type ChangeRecord struct {
	Sequence  uint64      `json:"sequence"`
	EventType EventType   `json:"eventType"`
	UserID    string      `json:"userId"`
	Date      string      `json:"date"`
	Before    *DiaryEntry `json:"before,omitempty"`
	After     *DiaryEntry `json:"after,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Key returns the record's partition key.
func (r ChangeRecord) Key() string { return r.UserID + "/" + r.Date }

// GeneratedAsset is one derived artifact for a user. DateKey holds either a
// YYYY-MM-DD date (title, flower_raw, flower_final) or an ISO year-week
// (bouquet). At most one asset exists per (userId, dateKey, kind);
// regeneration overwrites in place.
type GeneratedAsset struct {
	UserID    string      `json:"userId"`
	DateKey   string      `json:"dateKey"`
	Kind      AssetKind   `json:"kind"`
	Status    AssetStatus `json:"status"`
	BlobRef   string      `json:"blobRef,omitempty"`
	TextValue string      `json:"textValue,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// CompositionJob asks the vase compositor to turn a raw generated flower
// into the final vase image for (userId, date).
type CompositionJob struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Date        string    `json:"date"`
	RawImageRef string    `json:"rawImageRef"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// BouquetAsset is the cached weekly composition for a user.
type BouquetAsset struct {
	UserID         string    `json:"userId"`
	YearWeek       string    `json:"yearWeek"` // ISO week, e.g. 2024-23
	BlobRef        string    `json:"blobRef"`
	SourceDayCount int       `json:"sourceDayCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
