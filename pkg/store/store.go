package store

import (
	"context"
	"errors"

	"hanadiary/pkg/domain"
)

// ErrNotFound is returned when a keyed lookup matches nothing.
var ErrNotFound = errors.New("not found")

// EntryStore persists diary entries. Every successful mutation appends
// exactly one change record in the same transaction, so the feed never
// drifts from the table (outbox pattern).
type EntryStore interface {
	UpsertEntry(ctx context.Context, entry domain.DiaryEntry) (domain.ChangeRecord, error)
	SoftDeleteEntry(ctx context.Context, userID, date string) (domain.ChangeRecord, error)
	GetEntry(ctx context.Context, userID, date string) (domain.DiaryEntry, bool, error)
	ListEntriesByUser(ctx context.Context, userID string, limit int) ([]domain.DiaryEntry, error)
}

// ChangeFeed reads the append-only mutation log and tracks per-consumer
// positions. Positions are persisted so a restart resumes where the
// consumer left off instead of replaying or dropping work.
//
// Implementations must make records visible to ReadChanges in sequence
// order: once ReadChanges has returned a record, no record with a lower
// sequence may appear later. Readers advance their cursor to each delivered
// sequence, so a late-appearing lower sequence would be dropped forever.
type ChangeFeed interface {
	ReadChanges(ctx context.Context, afterSeq uint64, limit int) ([]domain.ChangeRecord, error)
	GetCursor(ctx context.Context, consumer string) (uint64, error)
	SetCursor(ctx context.Context, consumer string, seq uint64) error
}

// AssetStore persists derived artifacts. Upserts are last-writer-wins keyed
// by (userId, dateKey, kind).
type AssetStore interface {
	UpsertAsset(ctx context.Context, asset domain.GeneratedAsset) error
	GetAsset(ctx context.Context, userID, dateKey string, kind domain.AssetKind) (domain.GeneratedAsset, bool, error)
	DeleteAsset(ctx context.Context, userID, dateKey string, kind domain.AssetKind) error
	ListAssetsByDates(ctx context.Context, userID string, dates []string, kind domain.AssetKind) ([]domain.GeneratedAsset, error)
}

// BouquetStore caches weekly bouquet compositions.
type BouquetStore interface {
	UpsertBouquet(ctx context.Context, bouquet domain.BouquetAsset) error
	GetBouquet(ctx context.Context, userID, yearWeek string) (domain.BouquetAsset, bool, error)
}

// FailureStore records terminal pipeline failures for out-of-band
// inspection. Records here are never retried automatically.
type FailureStore interface {
	RecordFailure(ctx context.Context, failure Failure) error
	ListFailures(ctx context.Context, limit int) ([]Failure, error)
}

// Failure is one exhausted-retry event from the dispatcher or the
// composition queue.
type Failure struct {
	ID           uint64 `json:"id"`
	Consumer     string `json:"consumer"`
	UserID       string `json:"userId"`
	Date         string `json:"date"`
	Sequence     uint64 `json:"sequence,omitempty"`
	ErrorMessage string `json:"errorMessage"`
	CreatedAt    int64  `json:"createdAt"` // unix seconds
}

// Store is the full persistence surface of the pipeline.
type Store interface {
	EntryStore
	ChangeFeed
	AssetStore
	BouquetStore
	FailureStore
}
