package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hanadiary/pkg/ai"
	"hanadiary/pkg/domain"
	"hanadiary/pkg/feed"
	"hanadiary/pkg/store"
)

const (
	titleConsumerName = "title-generator"
	maxTitleLen       = 60
	titleTimeout      = 30 * time.Second

	titleSystemPrompt = "Write a title of ten words or less for the diary entry. " +
		"Reply with the title only, no quotes."
)

// titleConsumer derives a short title from entry text and upserts it as a
// derived asset. Regeneration is a pure function of the entry content, so
// redelivery overwrites the same asset instead of accumulating.
type titleConsumer struct {
	store     store.Store
	generator ai.TextGenerator
}

func newTitleConsumer(s store.Store, generator ai.TextGenerator) *titleConsumer {
	return &titleConsumer{store: s, generator: generator}
}

func (c *titleConsumer) Name() string { return titleConsumerName }

func (c *titleConsumer) Handle(ctx context.Context, record domain.ChangeRecord) error {
	if record.EventType == domain.EventRemove {
		if err := c.store.DeleteAsset(ctx, record.UserID, record.Date, domain.KindTitle); err != nil {
			return fmt.Errorf("delete title asset: %w", err)
		}
		return nil
	}

	if record.After == nil || strings.TrimSpace(record.After.Content) == "" {
		return fmt.Errorf("entry has no content: %w", feed.ErrPermanent)
	}

	genCtx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()
	title, err := c.generator.GenerateText(genCtx, titleSystemPrompt, record.After.Content)
	if err != nil {
		return fmt.Errorf("generate title: %w", err)
	}
	title = clampTitle(title)

	err = c.store.UpsertAsset(ctx, domain.GeneratedAsset{
		UserID:    record.UserID,
		DateKey:   record.Date,
		Kind:      domain.KindTitle,
		Status:    domain.AssetReady,
		TextValue: title,
	})
	if err != nil {
		return fmt.Errorf("save title asset: %w", err)
	}
	return nil
}

func clampTitle(title string) string {
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))
	runes := []rune(title)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen])
	}
	return title
}
