package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hanadiary/pkg/ai"
	"hanadiary/pkg/domain"
	"hanadiary/pkg/feed"
	"hanadiary/pkg/queue"
	"hanadiary/pkg/storage"
	"hanadiary/pkg/store"
)

const (
	flowerConsumerName = "flower-selector"
	imageTimeout       = 60 * time.Second

	flowerPromptPrefix = "A single flower that captures the mood of this diary entry, " +
		"soft watercolor style, plain background, no text: "
)

// flowerConsumer turns entry text into a generated raw flower image and
// enqueues one composition job per successful generation. The expensive
// generation call runs here exactly once per feed delivery; compositing
// failures retry separately on the queue without regenerating the image.
type flowerConsumer struct {
	store     store.Store
	blobs     storage.ObjectStore
	generator ai.ImageGenerator
	jobs      queue.JobQueue
}

func newFlowerConsumer(s store.Store, blobs storage.ObjectStore, generator ai.ImageGenerator, jobs queue.JobQueue) *flowerConsumer {
	return &flowerConsumer{store: s, blobs: blobs, generator: generator, jobs: jobs}
}

func (c *flowerConsumer) Name() string { return flowerConsumerName }

func (c *flowerConsumer) Handle(ctx context.Context, record domain.ChangeRecord) error {
	if record.EventType == domain.EventRemove {
		return c.removeFlower(ctx, record)
	}

	if record.After == nil || strings.TrimSpace(record.After.Content) == "" {
		return fmt.Errorf("entry has no content: %w", feed.ErrPermanent)
	}

	genCtx, cancel := context.WithTimeout(ctx, imageTimeout)
	defer cancel()
	image, err := c.generator.GenerateImage(genCtx, flowerPromptPrefix+record.After.Content)
	if err != nil {
		return fmt.Errorf("generate flower: %w", err)
	}

	rawKey := rawFlowerKey(record.UserID, record.Date)
	if err := c.blobs.Put(ctx, rawKey, image, "image/png"); err != nil {
		return fmt.Errorf("store raw flower: %w", err)
	}
	err = c.store.UpsertAsset(ctx, domain.GeneratedAsset{
		UserID:  record.UserID,
		DateKey: record.Date,
		Kind:    domain.KindFlowerRaw,
		Status:  domain.AssetReady,
		BlobRef: rawKey,
	})
	if err != nil {
		return fmt.Errorf("save raw flower asset: %w", err)
	}

	err = c.jobs.Enqueue(ctx, domain.CompositionJob{
		UserID:      record.UserID,
		Date:        record.Date,
		RawImageRef: rawKey,
	})
	if err != nil {
		return fmt.Errorf("enqueue composition job: %w", err)
	}
	return nil
}

// removeFlower deletes raw and final flower assets and their blobs.
// Blob deletes run first so a crash between steps leaves only a dangling
// asset row that the next redelivery clears.
func (c *flowerConsumer) removeFlower(ctx context.Context, record domain.ChangeRecord) error {
	for kind, key := range map[domain.AssetKind]string{
		domain.KindFlowerRaw:   rawFlowerKey(record.UserID, record.Date),
		domain.KindFlowerFinal: finalFlowerKey(record.UserID, record.Date),
	} {
		if err := c.blobs.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s blob: %w", kind, err)
		}
		if err := c.store.DeleteAsset(ctx, record.UserID, record.Date, kind); err != nil {
			return fmt.Errorf("delete %s asset: %w", kind, err)
		}
	}
	return nil
}
