package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hanadiary/internal/util"
	"hanadiary/pkg/domain"
	"hanadiary/pkg/queue"
	"hanadiary/pkg/render"
	"hanadiary/pkg/storage"
	"hanadiary/pkg/store"
)

const (
	readTimeout   = 10 * time.Second
	presignExpiry = 15 * time.Minute
	maxContentLen = 10000
)

// ErrNotFound signals a missing entry or asset to the HTTP layer.
var ErrNotFound = errors.New("not found")

// ErrNoFlowers signals a bouquet request for a week with no final flowers.
var ErrNoFlowers = errors.New("no flowers this week")

// ErrInvalidInput signals a request the caller must fix before retrying.
var ErrInvalidInput = errors.New("invalid input")

// Config holds runtime configuration. Store, Blobs and Queue can be
// injected for tests.
type Config struct {
	DatabaseURL string
	Store       store.Store

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	Blobs          storage.ObjectStore

	// Optional queue connection for dead-letter inspection.
	QueueDriver   string
	RedisAddr     string
	RedisPassword string
	AmqpURL       string
	QueueName     string
	QueueGroup    string
	Queue         queue.JobQueue
}

// App serves the diary write path, the read surface and the on-demand
// bouquet aggregator.
type App struct {
	store store.Store
	blobs storage.ObjectStore
	jobs  queue.JobQueue
}

// New constructs the API service.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	blobs := cfg.Blobs
	if blobs == nil {
		var err error
		blobs, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey,
			cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
	}

	jobs := cfg.Queue
	if jobs == nil {
		var err error
		jobs, err = buildInspectionQueue(cfg)
		if err != nil {
			return nil, err
		}
	}

	return &App{store: dataStore, blobs: blobs, jobs: jobs}, nil
}

// buildInspectionQueue connects to the composition queue for dead-letter
// listing only. No queue configured is fine; the admin endpoint then serves
// dispatcher failures alone.
func buildInspectionQueue(cfg Config) (queue.JobQueue, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.QueueDriver))
	switch driver {
	case "":
		return nil, nil
	case "redis":
		return queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.QueueName,
			Group:    cfg.QueueGroup,
			Consumer: util.NewID(),
		})
	case "amqp":
		return queue.NewAmqpJobQueue(queue.AmqpQueueConfig{
			URL:   cfg.AmqpURL,
			Queue: cfg.QueueName,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", driver)
	}
}

// CreateEntry writes or overwrites the entry for (user, date). The change
// record lands in the same transaction, so the pipeline always hears about
// the write.
func (a *App) CreateEntry(ctx context.Context, userID, date, content string) (domain.DiaryEntry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.DiaryEntry{}, fmt.Errorf("content required: %w", ErrInvalidInput)
	}
	if len([]rune(content)) > maxContentLen {
		return domain.DiaryEntry{}, fmt.Errorf("content too long: %w", ErrInvalidInput)
	}
	if _, err := domain.ParseDate(date); err != nil {
		return domain.DiaryEntry{}, fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}
	record, err := a.store.UpsertEntry(ctx, domain.DiaryEntry{
		UserID:  userID,
		Date:    date,
		Content: content,
	})
	if err != nil {
		return domain.DiaryEntry{}, fmt.Errorf("save entry: %w", err)
	}
	return *record.After, nil
}

// DeleteEntry soft-deletes the entry for (user, date).
func (a *App) DeleteEntry(ctx context.Context, userID, date string) error {
	if _, err := domain.ParseDate(date); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}
	_, err := a.store.SoftDeleteEntry(ctx, userID, date)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// GetEntry returns the live entry for (user, date).
func (a *App) GetEntry(ctx context.Context, userID, date string) (domain.DiaryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	entry, ok, err := a.store.GetEntry(ctx, userID, date)
	if err != nil {
		return domain.DiaryEntry{}, fmt.Errorf("get entry: %w", err)
	}
	if !ok {
		return domain.DiaryEntry{}, ErrNotFound
	}
	return entry, nil
}

// ListEntries returns the user's live entries, newest first.
func (a *App) ListEntries(ctx context.Context, userID string, limit int) ([]domain.DiaryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	return a.store.ListEntriesByUser(ctx, userID, limit)
}

// GetTitle returns the generated title for (user, date).
func (a *App) GetTitle(ctx context.Context, userID, date string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	asset, ok, err := a.store.GetAsset(ctx, userID, date, domain.KindTitle)
	if err != nil {
		return "", fmt.Errorf("get title: %w", err)
	}
	if !ok || asset.Status != domain.AssetReady {
		return "", ErrNotFound
	}
	return asset.TextValue, nil
}

// GetFlowerURL returns a presigned URL for the final flower image of
// (user, date).
func (a *App) GetFlowerURL(ctx context.Context, userID, date string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	asset, ok, err := a.store.GetAsset(ctx, userID, date, domain.KindFlowerFinal)
	if err != nil {
		return "", fmt.Errorf("get flower: %w", err)
	}
	if !ok || asset.Status != domain.AssetReady {
		return "", ErrNotFound
	}
	url, err := a.blobs.PresignGet(ctx, asset.BlobRef, presignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign flower: %w", err)
	}
	return url, nil
}

// BouquetView is the API shape of a weekly bouquet.
type BouquetView struct {
	YearWeek       string `json:"yearWeek"`
	URL            string `json:"url"`
	SourceDayCount int    `json:"sourceDayCount"`
}

// CanCreateBouquet reports whether the week containing date has at least
// one final flower.
func (a *App) CanCreateBouquet(ctx context.Context, userID, date string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	dates, err := domain.WeekDates(date)
	if err != nil {
		return false, fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}
	assets, err := a.store.ListAssetsByDates(ctx, userID, dates, domain.KindFlowerFinal)
	if err != nil {
		return false, fmt.Errorf("list flowers: %w", err)
	}
	return len(assets) > 0, nil
}

// GetBouquet returns the bouquet for the ISO week containing date,
// composing and caching it on first request. force recomposes even when a
// cached bouquet exists, picking up flowers added since.
func (a *App) GetBouquet(ctx context.Context, userID, date string, force bool) (BouquetView, error) {
	yearWeek, err := domain.YearWeekOf(date)
	if err != nil {
		return BouquetView{}, fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}

	if !force {
		cached, ok, err := a.store.GetBouquet(ctx, userID, yearWeek)
		if err != nil {
			return BouquetView{}, fmt.Errorf("get bouquet: %w", err)
		}
		if ok {
			return a.bouquetView(ctx, cached)
		}
	}

	dates, err := domain.WeekDates(date)
	if err != nil {
		return BouquetView{}, fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}
	assets, err := a.store.ListAssetsByDates(ctx, userID, dates, domain.KindFlowerFinal)
	if err != nil {
		return BouquetView{}, fmt.Errorf("list flowers: %w", err)
	}
	if len(assets) == 0 {
		return BouquetView{}, ErrNoFlowers
	}

	flowers := make([][]byte, 0, len(assets))
	for _, asset := range assets {
		data, err := a.blobs.Get(ctx, asset.BlobRef)
		if err != nil {
			return BouquetView{}, fmt.Errorf("fetch flower %s: %w", asset.DateKey, err)
		}
		flowers = append(flowers, data)
	}

	image, err := render.ComposeBouquet(flowers)
	if err != nil {
		return BouquetView{}, fmt.Errorf("compose bouquet: %w", err)
	}

	key := bouquetKey(userID, yearWeek)
	if err := a.blobs.Put(ctx, key, image, "image/png"); err != nil {
		return BouquetView{}, fmt.Errorf("store bouquet: %w", err)
	}
	bouquet := domain.BouquetAsset{
		UserID:         userID,
		YearWeek:       yearWeek,
		BlobRef:        key,
		SourceDayCount: len(assets),
	}
	if err := a.store.UpsertBouquet(ctx, bouquet); err != nil {
		return BouquetView{}, fmt.Errorf("save bouquet: %w", err)
	}
	return a.bouquetView(ctx, bouquet)
}

func (a *App) bouquetView(ctx context.Context, bouquet domain.BouquetAsset) (BouquetView, error) {
	url, err := a.blobs.PresignGet(ctx, bouquet.BlobRef, presignExpiry)
	if err != nil {
		return BouquetView{}, fmt.Errorf("presign bouquet: %w", err)
	}
	return BouquetView{
		YearWeek:       bouquet.YearWeek,
		URL:            url,
		SourceDayCount: bouquet.SourceDayCount,
	}, nil
}

// ListFailures returns terminal dispatcher failures, newest first.
func (a *App) ListFailures(ctx context.Context, limit int) ([]store.Failure, error) {
	return a.store.ListFailures(ctx, limit)
}

// ListDeadLetters returns dead-lettered composition jobs. Without a queue
// connection the listing is empty.
func (a *App) ListDeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error) {
	if a.jobs == nil {
		return []queue.DeadLetter{}, nil
	}
	return a.jobs.ListDeadLetters(ctx, limit)
}

func bouquetKey(userID, yearWeek string) string {
	return fmt.Sprintf("bouquets/%s/%s.png", userID, yearWeek)
}
