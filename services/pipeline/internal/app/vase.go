package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"hanadiary/pkg/domain"
	"hanadiary/pkg/render"
	"hanadiary/pkg/storage"
	"hanadiary/pkg/store"
)

const blobReadTimeout = 10 * time.Second

// vaseCompositor consumes composition jobs: it fetches the raw flower,
// renders it onto a vase template, stores the final image, and only then
// lets the queue acknowledge the message. Every error propagates so the
// queue's redelivery provides the retry loop.
type vaseCompositor struct {
	store store.Store
	blobs storage.ObjectStore
}

func newVaseCompositor(s store.Store, blobs storage.ObjectStore) *vaseCompositor {
	return &vaseCompositor{store: s, blobs: blobs}
}

func (v *vaseCompositor) Handle(ctx context.Context, job domain.CompositionJob) error {
	readCtx, cancel := context.WithTimeout(ctx, blobReadTimeout)
	defer cancel()

	raw, err := v.blobs.Get(readCtx, job.RawImageRef)
	if err != nil {
		return fmt.Errorf("fetch raw flower: %w", err)
	}
	vase, err := v.loadVaseTemplate(readCtx, job.UserID, job.Date)
	if err != nil {
		return err
	}

	final, err := render.CompositeVase(raw, vase)
	if err != nil {
		return fmt.Errorf("composite vase: %w", err)
	}

	finalKey := finalFlowerKey(job.UserID, job.Date)
	if err := v.blobs.Put(ctx, finalKey, final, "image/png"); err != nil {
		return fmt.Errorf("store final flower: %w", err)
	}
	err = v.store.UpsertAsset(ctx, domain.GeneratedAsset{
		UserID:  job.UserID,
		DateKey: job.Date,
		Kind:    domain.KindFlowerFinal,
		Status:  domain.AssetReady,
		BlobRef: finalKey,
	})
	if err != nil {
		return fmt.Errorf("save final flower asset: %w", err)
	}
	return nil
}

// loadVaseTemplate picks one template from the vase prefix. The choice is
// a hash of (userId, date) so redelivered jobs composite onto the same
// vase and stay idempotent.
func (v *vaseCompositor) loadVaseTemplate(ctx context.Context, userID, date string) ([]byte, error) {
	keys, err := v.blobs.List(ctx, vasePrefix)
	if err != nil {
		return nil, fmt.Errorf("list vase templates: %w", err)
	}
	if len(keys) == 0 {
		return nil, errors.New("no vase templates available")
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID + "/" + date))
	key := keys[int(h.Sum32())%len(keys)]
	data, err := v.blobs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch vase template %s: %w", key, err)
	}
	return data, nil
}
