package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"hanadiary/pkg/domain"
	"hanadiary/pkg/storage"
	"hanadiary/pkg/store"
)

func newTestApp(t *testing.T) (*App, *store.MemoryStore, *storage.MemoryObjectStore) {
	t.Helper()
	st := store.NewMemoryStore()
	blobs := storage.NewMemoryObjectStore()
	a, err := New(Config{Store: st, Blobs: blobs})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a, st, blobs
}

func flowerPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func seedFinalFlower(t *testing.T, st *store.MemoryStore, blobs *storage.MemoryObjectStore, userID, date string) {
	t.Helper()
	ctx := context.Background()
	key := "flowers/final/" + userID + "/" + date + ".png"
	if err := blobs.Put(ctx, key, flowerPNG(t), "image/png"); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	err := st.UpsertAsset(ctx, domain.GeneratedAsset{
		UserID:  userID,
		DateKey: date,
		Kind:    domain.KindFlowerFinal,
		Status:  domain.AssetReady,
		BlobRef: key,
	})
	if err != nil {
		t.Fatalf("seed asset: %v", err)
	}
}

func TestCreateEntryAppendsChangeRecords(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newTestApp(t)

	if _, err := a.CreateEntry(ctx, "u1", "2024-06-03", "first draft"); err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}
	if _, err := a.CreateEntry(ctx, "u1", "2024-06-03", "second draft"); err != nil {
		t.Fatalf("CreateEntry() edit error = %v", err)
	}
	if err := a.DeleteEntry(ctx, "u1", "2024-06-03"); err != nil {
		t.Fatalf("DeleteEntry() error = %v", err)
	}

	records, err := st.ReadChanges(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ReadChanges() error = %v", err)
	}
	want := []domain.EventType{domain.EventInsert, domain.EventModify, domain.EventRemove}
	if len(records) != len(want) {
		t.Fatalf("record count = %d, want %d", len(records), len(want))
	}
	for i, eventType := range want {
		if records[i].EventType != eventType {
			t.Fatalf("record[%d] = %s, want %s", i, records[i].EventType, eventType)
		}
	}
}

func TestCreateEntryValidatesInput(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestApp(t)

	if _, err := a.CreateEntry(ctx, "u1", "2024-06-03", "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty content error = %v, want ErrInvalidInput", err)
	}
	if _, err := a.CreateEntry(ctx, "u1", "June 3rd", "hello"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad date error = %v, want ErrInvalidInput", err)
	}
}

func TestDeleteEntryMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestApp(t)

	if err := a.DeleteEntry(ctx, "u1", "2024-06-03"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteEntry() error = %v, want ErrNotFound", err)
	}
}

func TestGetEntryAndTitleMissing(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newTestApp(t)

	if _, err := a.GetEntry(ctx, "u1", "2024-06-03"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetEntry() error = %v, want ErrNotFound", err)
	}
	if _, err := a.GetTitle(ctx, "u1", "2024-06-03"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTitle() error = %v, want ErrNotFound", err)
	}

	err := st.UpsertAsset(ctx, domain.GeneratedAsset{
		UserID:    "u1",
		DateKey:   "2024-06-03",
		Kind:      domain.KindTitle,
		Status:    domain.AssetReady,
		TextValue: "Rainy Day Walk",
	})
	if err != nil {
		t.Fatalf("seed title: %v", err)
	}
	title, err := a.GetTitle(ctx, "u1", "2024-06-03")
	if err != nil || title != "Rainy Day Walk" {
		t.Fatalf("GetTitle() = %q, %v", title, err)
	}
}

func TestGetFlowerURLPresignsFinalFlower(t *testing.T) {
	ctx := context.Background()
	a, st, blobs := newTestApp(t)
	seedFinalFlower(t, st, blobs, "u1", "2024-06-03")

	url, err := a.GetFlowerURL(ctx, "u1", "2024-06-03")
	if err != nil {
		t.Fatalf("GetFlowerURL() error = %v", err)
	}
	if url != "memory://flowers/final/u1/2024-06-03.png" {
		t.Fatalf("url = %q", url)
	}
}

func TestGetBouquetComposesCachesAndForces(t *testing.T) {
	ctx := context.Background()
	a, st, blobs := newTestApp(t)
	// Monday through Wednesday of the same ISO week.
	for _, date := range []string{"2024-06-03", "2024-06-04", "2024-06-05"} {
		seedFinalFlower(t, st, blobs, "u1", date)
	}

	bouquet, err := a.GetBouquet(ctx, "u1", "2024-06-05", false)
	if err != nil {
		t.Fatalf("GetBouquet() error = %v", err)
	}
	if bouquet.SourceDayCount != 3 {
		t.Fatalf("sourceDayCount = %d, want 3", bouquet.SourceDayCount)
	}
	if bouquet.YearWeek != "2024-23" {
		t.Fatalf("yearWeek = %q, want 2024-23", bouquet.YearWeek)
	}
	if _, err := blobs.Get(ctx, "bouquets/u1/2024-23.png"); err != nil {
		t.Fatalf("bouquet blob missing: %v", err)
	}

	// A flower added later does not change the cached bouquet.
	seedFinalFlower(t, st, blobs, "u1", "2024-06-06")
	cached, err := a.GetBouquet(ctx, "u1", "2024-06-03", false)
	if err != nil {
		t.Fatalf("GetBouquet() cached error = %v", err)
	}
	if cached.SourceDayCount != 3 {
		t.Fatalf("cached sourceDayCount = %d, want 3", cached.SourceDayCount)
	}

	// force recomposes with the new flower included.
	forced, err := a.GetBouquet(ctx, "u1", "2024-06-03", true)
	if err != nil {
		t.Fatalf("GetBouquet() forced error = %v", err)
	}
	if forced.SourceDayCount != 4 {
		t.Fatalf("forced sourceDayCount = %d, want 4", forced.SourceDayCount)
	}
}

func TestGetBouquetWithoutFlowers(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestApp(t)

	if _, err := a.GetBouquet(ctx, "u1", "2024-06-03", false); !errors.Is(err, ErrNoFlowers) {
		t.Fatalf("GetBouquet() error = %v, want ErrNoFlowers", err)
	}
}

func TestCanCreateBouquet(t *testing.T) {
	ctx := context.Background()
	a, st, blobs := newTestApp(t)

	ok, err := a.CanCreateBouquet(ctx, "u1", "2024-06-03")
	if err != nil || ok {
		t.Fatalf("CanCreateBouquet() = %v, %v, want false", ok, err)
	}

	seedFinalFlower(t, st, blobs, "u1", "2024-06-04")
	ok, err = a.CanCreateBouquet(ctx, "u1", "2024-06-03")
	if err != nil || !ok {
		t.Fatalf("CanCreateBouquet() = %v, %v, want true", ok, err)
	}
}
