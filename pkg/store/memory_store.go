package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"hanadiary/pkg/domain"
)

// MemoryStore keeps all pipeline state in-process. It backs tests and local
// runs without Postgres, and honors the same ordering and upsert semantics
// as GormStore.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]domain.DiaryEntry // key: userID/date
	feed     []domain.ChangeRecord
	seq      uint64
	cursors  map[string]uint64
	assets   map[string]domain.GeneratedAsset // key: userID/dateKey/kind
	bouquets map[string]domain.BouquetAsset   // key: userID/yearWeek
	failures []Failure
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]domain.DiaryEntry),
		cursors:  make(map[string]uint64),
		assets:   make(map[string]domain.GeneratedAsset),
		bouquets: make(map[string]domain.BouquetAsset),
	}
}

func entryKey(userID, date string) string { return userID + "/" + date }

func assetKey(userID, dateKey string, kind domain.AssetKind) string {
	return userID + "/" + dateKey + "/" + string(kind)
}

// UpsertEntry stores an entry and appends an INSERT or MODIFY record.
func (m *MemoryStore) UpsertEntry(_ context.Context, entry domain.DiaryEntry) (domain.ChangeRecord, error) {
	if _, err := domain.ParseDate(entry.Date); err != nil {
		return domain.ChangeRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	key := entryKey(entry.UserID, entry.Date)
	eventType := domain.EventInsert
	var before *domain.DiaryEntry
	if prev, ok := m.entries[key]; ok {
		eventType = domain.EventModify
		b := prev
		before = &b
		entry.CreatedAt = prev.CreatedAt
	} else {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	entry.IsDeleted = false
	m.entries[key] = entry

	after := entry
	return m.appendLocked(eventType, before, &after, now), nil
}

// SoftDeleteEntry marks an entry deleted and appends a REMOVE record.
func (m *MemoryStore) SoftDeleteEntry(_ context.Context, userID, date string) (domain.ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entryKey(userID, date)
	prev, ok := m.entries[key]
	if !ok || prev.IsDeleted {
		return domain.ChangeRecord{}, ErrNotFound
	}
	now := time.Now().UTC()
	before := prev
	prev.IsDeleted = true
	prev.UpdatedAt = now
	m.entries[key] = prev
	return m.appendLocked(domain.EventRemove, &before, nil, now), nil
}

func (m *MemoryStore) appendLocked(eventType domain.EventType, before, after *domain.DiaryEntry, now time.Time) domain.ChangeRecord {
	keySource := after
	if keySource == nil {
		keySource = before
	}
	m.seq++
	record := domain.ChangeRecord{
		Sequence:  m.seq,
		EventType: eventType,
		UserID:    keySource.UserID,
		Date:      keySource.Date,
		Before:    before,
		After:     after,
		CreatedAt: now,
	}
	m.feed = append(m.feed, record)
	return record
}

// GetEntry returns a live entry.
func (m *MemoryStore) GetEntry(_ context.Context, userID, date string) (domain.DiaryEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[entryKey(userID, date)]
	if !ok || entry.IsDeleted {
		return domain.DiaryEntry{}, false, nil
	}
	return entry, true, nil
}

// ListEntriesByUser returns live entries, newest date first.
func (m *MemoryStore) ListEntriesByUser(_ context.Context, userID string, limit int) ([]domain.DiaryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]domain.DiaryEntry, 0)
	for _, e := range m.entries {
		if e.UserID == userID && !e.IsDeleted {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Date > entries[j].Date })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ReadChanges returns records with sequence > afterSeq, oldest first.
func (m *MemoryStore) ReadChanges(_ context.Context, afterSeq uint64, limit int) ([]domain.ChangeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]domain.ChangeRecord, 0, limit)
	for _, r := range m.feed {
		if r.Sequence <= afterSeq {
			continue
		}
		records = append(records, r)
		if len(records) == limit {
			break
		}
	}
	return records, nil
}

// GetCursor returns the consumer's position.
func (m *MemoryStore) GetCursor(_ context.Context, consumer string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[consumer], nil
}

// SetCursor stores the consumer's position.
func (m *MemoryStore) SetCursor(_ context.Context, consumer string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[consumer] = seq
	return nil
}

// UpsertAsset stores a derived asset, last writer wins.
func (m *MemoryStore) UpsertAsset(_ context.Context, asset domain.GeneratedAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	key := assetKey(asset.UserID, asset.DateKey, asset.Kind)
	if prev, ok := m.assets[key]; ok {
		asset.CreatedAt = prev.CreatedAt
	} else if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	asset.UpdatedAt = now
	m.assets[key] = asset
	return nil
}

// GetAsset looks up one derived asset.
func (m *MemoryStore) GetAsset(_ context.Context, userID, dateKey string, kind domain.AssetKind) (domain.GeneratedAsset, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asset, ok := m.assets[assetKey(userID, dateKey, kind)]
	return asset, ok, nil
}

// DeleteAsset removes a derived asset; missing assets are a no-op.
func (m *MemoryStore) DeleteAsset(_ context.Context, userID, dateKey string, kind domain.AssetKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assets, assetKey(userID, dateKey, kind))
	return nil
}

// ListAssetsByDates returns ready assets of one kind, date ascending.
func (m *MemoryStore) ListAssetsByDates(_ context.Context, userID string, dates []string, kind domain.AssetKind) ([]domain.GeneratedAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	assets := make([]domain.GeneratedAsset, 0, len(dates))
	for _, date := range dates {
		asset, ok := m.assets[assetKey(userID, date, kind)]
		if ok && asset.Status == domain.AssetReady {
			assets = append(assets, asset)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].DateKey < assets[j].DateKey })
	return assets, nil
}

// UpsertBouquet stores the weekly bouquet cache record.
func (m *MemoryStore) UpsertBouquet(_ context.Context, bouquet domain.BouquetAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	key := bouquet.UserID + "/" + bouquet.YearWeek
	if prev, ok := m.bouquets[key]; ok {
		bouquet.CreatedAt = prev.CreatedAt
	} else if bouquet.CreatedAt.IsZero() {
		bouquet.CreatedAt = now
	}
	bouquet.UpdatedAt = now
	m.bouquets[key] = bouquet
	return nil
}

// GetBouquet looks up the cached bouquet for a week.
func (m *MemoryStore) GetBouquet(_ context.Context, userID, yearWeek string) (domain.BouquetAsset, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bouquet, ok := m.bouquets[userID+"/"+yearWeek]
	return bouquet, ok, nil
}

// RecordFailure appends a terminal failure.
func (m *MemoryStore) RecordFailure(_ context.Context, failure Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	failure.ID = uint64(len(m.failures) + 1)
	failure.CreatedAt = time.Now().Unix()
	m.failures = append(m.failures, failure)
	return nil
}

// ListFailures returns recent terminal failures, newest first.
func (m *MemoryStore) ListFailures(_ context.Context, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	failures := make([]Failure, 0, limit)
	for i := len(m.failures) - 1; i >= 0 && len(failures) < limit; i-- {
		failures = append(failures, m.failures[i])
	}
	return failures, nil
}
