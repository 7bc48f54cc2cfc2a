package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"hanadiary/pkg/domain"
)

const (
	migrateLockID int64 = 81048104
	outboxLockID  int64 = 81048105
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&DiaryEntryModel{},
			&ChangeEventModel{},
			&ConsumerCursorModel{},
			&AssetModel{},
			&BouquetModel{},
			&PipelineFailureModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// UpsertEntry creates or updates a diary entry and appends the matching
// change record in the same transaction.
func (s *GormStore) UpsertEntry(ctx context.Context, entry domain.DiaryEntry) (domain.ChangeRecord, error) {
	if entry.UserID == "" || entry.Date == "" {
		return domain.ChangeRecord{}, errors.New("userId and date required")
	}
	if _, err := domain.ParseDate(entry.Date); err != nil {
		return domain.ChangeRecord{}, err
	}
	var record domain.ChangeRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		var prev DiaryEntryModel
		var before *domain.DiaryEntry
		eventType := domain.EventInsert
		err := tx.Where("user_id = ? AND date = ?", entry.UserID, entry.Date).First(&prev).Error
		switch {
		case err == nil:
			eventType = domain.EventModify
			b := entryFromModel(prev)
			before = &b
			entry.CreatedAt = prev.CreatedAt
		case errors.Is(err, gorm.ErrRecordNotFound):
			entry.CreatedAt = now
		default:
			return fmt.Errorf("load entry: %w", err)
		}
		entry.UpdatedAt = now
		entry.IsDeleted = false

		model := entryToModel(entry)
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "is_deleted", "updated_at"}),
		}).Create(&model).Error; err != nil {
			return fmt.Errorf("save entry: %w", err)
		}

		event, err := appendChangeEvent(tx, eventType, before, &entry, now)
		if err != nil {
			return err
		}
		record = event
		return nil
	})
	if err != nil {
		return domain.ChangeRecord{}, err
	}
	return record, nil
}

// SoftDeleteEntry marks an entry deleted and appends a REMOVE change record.
func (s *GormStore) SoftDeleteEntry(ctx context.Context, userID, date string) (domain.ChangeRecord, error) {
	var record domain.ChangeRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev DiaryEntryModel
		if err := tx.Where("user_id = ? AND date = ?", userID, date).First(&prev).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load entry: %w", err)
		}
		if prev.IsDeleted {
			return ErrNotFound
		}
		now := time.Now().UTC()
		before := entryFromModel(prev)
		if err := tx.Model(&DiaryEntryModel{}).
			Where("user_id = ? AND date = ?", userID, date).
			Updates(map[string]any{"is_deleted": true, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("soft delete entry: %w", err)
		}
		event, err := appendChangeEvent(tx, domain.EventRemove, &before, nil, now)
		if err != nil {
			return err
		}
		record = event
		return nil
	})
	if err != nil {
		return domain.ChangeRecord{}, err
	}
	return record, nil
}

// appendChangeEvent inserts one outbox row. The advisory lock is held until
// the surrounding transaction commits, which serializes event inserts across
// writers: ids become visible to ReadChanges in id order. Without it two
// concurrent transactions can commit in inverted id order, and a cursor
// already advanced past the larger id would never see the smaller one.
func appendChangeEvent(tx *gorm.DB, eventType domain.EventType, before, after *domain.DiaryEntry, now time.Time) (domain.ChangeRecord, error) {
	if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", outboxLockID).Error; err != nil {
		return domain.ChangeRecord{}, fmt.Errorf("acquire outbox lock: %w", err)
	}
	keySource := after
	if keySource == nil {
		keySource = before
	}
	event := ChangeEventModel{
		EventType: string(eventType),
		UserID:    keySource.UserID,
		Date:      keySource.Date,
		CreatedAt: now,
	}
	var err error
	if event.Before, err = marshalSnapshot(before); err != nil {
		return domain.ChangeRecord{}, err
	}
	if event.After, err = marshalSnapshot(after); err != nil {
		return domain.ChangeRecord{}, err
	}
	if err := tx.Create(&event).Error; err != nil {
		return domain.ChangeRecord{}, fmt.Errorf("append change event: %w", err)
	}
	return changeFromModel(event)
}

func marshalSnapshot(entry *domain.DiaryEntry) (datatypes.JSON, error) {
	if entry == nil {
		return nil, nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// GetEntry returns a live (not soft-deleted) entry.
func (s *GormStore) GetEntry(ctx context.Context, userID, date string) (domain.DiaryEntry, bool, error) {
	var model DiaryEntryModel
	err := s.db.WithContext(ctx).Where("user_id = ? AND date = ? AND is_deleted = false", userID, date).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.DiaryEntry{}, false, nil
	}
	if err != nil {
		return domain.DiaryEntry{}, false, fmt.Errorf("get entry: %w", err)
	}
	return entryFromModel(model), true, nil
}

// ListEntriesByUser returns the user's live entries, newest date first.
func (s *GormStore) ListEntriesByUser(ctx context.Context, userID string, limit int) ([]domain.DiaryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []DiaryEntryModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_deleted = false", userID).
		Order("date DESC").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries := make([]domain.DiaryEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, entryFromModel(m))
	}
	return entries, nil
}

// ReadChanges returns feed records with sequence > afterSeq, oldest first.
func (s *GormStore) ReadChanges(ctx context.Context, afterSeq uint64, limit int) ([]domain.ChangeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ChangeEventModel
	err := s.db.WithContext(ctx).Where("id > ?", afterSeq).Order("id ASC").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}
	records := make([]domain.ChangeRecord, 0, len(models))
	for _, m := range models {
		record, err := changeFromModel(m)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// GetCursor returns the consumer's last processed sequence (0 when new).
func (s *GormStore) GetCursor(ctx context.Context, consumer string) (uint64, error) {
	var model ConsumerCursorModel
	err := s.db.WithContext(ctx).Where("consumer = ?", consumer).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	return model.Position, nil
}

// SetCursor persists the consumer's position.
func (s *GormStore) SetCursor(ctx context.Context, consumer string, seq uint64) error {
	model := ConsumerCursorModel{Consumer: consumer, Position: seq, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "consumer"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "updated_at"}),
	}).Create(&model).Error
}

// UpsertAsset stores a derived asset, last writer wins.
func (s *GormStore) UpsertAsset(ctx context.Context, asset domain.GeneratedAsset) error {
	now := time.Now().UTC()
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	asset.UpdatedAt = now
	model := assetToModel(asset)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "date_key"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "blob_ref", "text_value", "updated_at"}),
	}).Create(&model).Error
}

// GetAsset looks up one derived asset.
func (s *GormStore) GetAsset(ctx context.Context, userID, dateKey string, kind domain.AssetKind) (domain.GeneratedAsset, bool, error) {
	var model AssetModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND date_key = ? AND kind = ?", userID, dateKey, string(kind)).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.GeneratedAsset{}, false, nil
	}
	if err != nil {
		return domain.GeneratedAsset{}, false, fmt.Errorf("get asset: %w", err)
	}
	return assetFromModel(model), true, nil
}

// DeleteAsset removes a derived asset. Deleting a missing asset is a no-op,
// which keeps REMOVE handling idempotent under redelivery.
func (s *GormStore) DeleteAsset(ctx context.Context, userID, dateKey string, kind domain.AssetKind) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND date_key = ? AND kind = ?", userID, dateKey, string(kind)).
		Delete(&AssetModel{}).Error
}

// ListAssetsByDates returns ready assets of one kind for the given dates,
// date ascending.
func (s *GormStore) ListAssetsByDates(ctx context.Context, userID string, dates []string, kind domain.AssetKind) ([]domain.GeneratedAsset, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	var models []AssetModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND kind = ? AND status = ? AND date_key IN ?", userID, string(kind), string(domain.AssetReady), dates).
		Order("date_key ASC").Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	assets := make([]domain.GeneratedAsset, 0, len(models))
	for _, m := range models {
		assets = append(assets, assetFromModel(m))
	}
	return assets, nil
}

// UpsertBouquet stores the weekly bouquet cache record.
func (s *GormStore) UpsertBouquet(ctx context.Context, bouquet domain.BouquetAsset) error {
	now := time.Now().UTC()
	if bouquet.CreatedAt.IsZero() {
		bouquet.CreatedAt = now
	}
	bouquet.UpdatedAt = now
	model := bouquetToModel(bouquet)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "year_week"}},
		DoUpdates: clause.AssignmentColumns([]string{"blob_ref", "source_day_count", "updated_at"}),
	}).Create(&model).Error
}

// GetBouquet looks up the cached bouquet for a week.
func (s *GormStore) GetBouquet(ctx context.Context, userID, yearWeek string) (domain.BouquetAsset, bool, error) {
	var model BouquetModel
	err := s.db.WithContext(ctx).Where("user_id = ? AND year_week = ?", userID, yearWeek).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.BouquetAsset{}, false, nil
	}
	if err != nil {
		return domain.BouquetAsset{}, false, fmt.Errorf("get bouquet: %w", err)
	}
	return bouquetFromModel(model), true, nil
}

// RecordFailure appends a terminal failure for inspection.
func (s *GormStore) RecordFailure(ctx context.Context, failure Failure) error {
	model := PipelineFailureModel{
		Consumer:     failure.Consumer,
		UserID:       failure.UserID,
		Date:         failure.Date,
		Sequence:     failure.Sequence,
		ErrorMessage: failure.ErrorMessage,
		CreatedAt:    time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListFailures returns recent terminal failures, newest first.
func (s *GormStore) ListFailures(ctx context.Context, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []PipelineFailureModel
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	failures := make([]Failure, 0, len(models))
	for _, m := range models {
		failures = append(failures, Failure{
			ID:           m.ID,
			Consumer:     m.Consumer,
			UserID:       m.UserID,
			Date:         m.Date,
			Sequence:     m.Sequence,
			ErrorMessage: m.ErrorMessage,
			CreatedAt:    m.CreatedAt.Unix(),
		})
	}
	return failures, nil
}

func entryToModel(e domain.DiaryEntry) DiaryEntryModel {
	return DiaryEntryModel{
		UserID:    e.UserID,
		Date:      e.Date,
		Content:   e.Content,
		IsDeleted: e.IsDeleted,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func entryFromModel(m DiaryEntryModel) domain.DiaryEntry {
	return domain.DiaryEntry{
		UserID:    m.UserID,
		Date:      m.Date,
		Content:   m.Content,
		IsDeleted: m.IsDeleted,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func changeFromModel(m ChangeEventModel) (domain.ChangeRecord, error) {
	record := domain.ChangeRecord{
		Sequence:  m.ID,
		EventType: domain.EventType(m.EventType),
		UserID:    m.UserID,
		Date:      m.Date,
		CreatedAt: m.CreatedAt,
	}
	if len(m.Before) > 0 {
		var before domain.DiaryEntry
		if err := json.Unmarshal(m.Before, &before); err != nil {
			return domain.ChangeRecord{}, fmt.Errorf("decode before image: %w", err)
		}
		record.Before = &before
	}
	if len(m.After) > 0 {
		var after domain.DiaryEntry
		if err := json.Unmarshal(m.After, &after); err != nil {
			return domain.ChangeRecord{}, fmt.Errorf("decode after image: %w", err)
		}
		record.After = &after
	}
	return record, nil
}

func assetToModel(a domain.GeneratedAsset) AssetModel {
	return AssetModel{
		UserID:    a.UserID,
		DateKey:   a.DateKey,
		Kind:      string(a.Kind),
		Status:    string(a.Status),
		BlobRef:   a.BlobRef,
		TextValue: a.TextValue,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func assetFromModel(m AssetModel) domain.GeneratedAsset {
	return domain.GeneratedAsset{
		UserID:    m.UserID,
		DateKey:   m.DateKey,
		Kind:      domain.AssetKind(m.Kind),
		Status:    domain.AssetStatus(m.Status),
		BlobRef:   m.BlobRef,
		TextValue: m.TextValue,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func bouquetToModel(b domain.BouquetAsset) BouquetModel {
	return BouquetModel{
		UserID:         b.UserID,
		YearWeek:       b.YearWeek,
		BlobRef:        b.BlobRef,
		SourceDayCount: b.SourceDayCount,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func bouquetFromModel(m BouquetModel) domain.BouquetAsset {
	return domain.BouquetAsset{
		UserID:         m.UserID,
		YearWeek:       m.YearWeek,
		BlobRef:        m.BlobRef,
		SourceDayCount: m.SourceDayCount,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
