package revision

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"quorum/api/internal/store"
)

// sweepSource is the registry surface the janitor reads from.
type sweepSource interface {
	List(ctx context.Context) ([]SessionRecord, error)
	Unregister(ctx context.Context, sessionID string) error
}

// Janitor deletes the temporary documents of revision sessions whose client
// disappeared without materializing or discarding. A session counts as dead
// once its heartbeat is older than the TTL.
type Janitor struct {
	registry sweepSource
	store    DocumentStore
	blobs    AttachmentTransfer
	ttl      time.Duration
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func NewJanitor(registry sweepSource, documents DocumentStore, blobs AttachmentTransfer, ttl, interval time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		registry: registry,
		store:    documents,
		blobs:    blobs,
		ttl:      ttl,
		interval: interval,
		log:      logger,
		now:      time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept, err := j.Sweep(ctx); err != nil {
				j.log.Warn("session sweep failed", zap.Error(err))
			} else if swept > 0 {
				j.log.Info("swept abandoned revision sessions", zap.Int("sessions", swept))
			}
		}
	}
}

// Sweep removes the temporary documents of every stale session and returns
// how many sessions were cleaned up. Documents already gone are fine;
// other deletion failures leave the record in place for the next pass.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	records, err := j.registry.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := j.now().Add(-j.ttl)
	swept := 0
	for _, record := range records {
		if record.HeartbeatAt.After(cutoff) {
			continue
		}

		clean := true
		ids := append(append([]string(nil), record.DuplicateIDs...), record.NewDocumentIDs...)
		for _, documentID := range ids {
			if err := j.store.DeleteDocument(ctx, documentID); err != nil && !errors.Is(err, store.ErrNotFound) {
				j.log.Warn("sweep of orphaned document failed",
					zap.String("session", record.SessionID),
					zap.String("document", documentID),
					zap.Error(err))
				clean = false
				continue
			}
			if err := j.blobs.DeleteAll(ctx, record.ProjectID, documentID); err != nil {
				j.log.Warn("sweep of orphaned files failed",
					zap.String("session", record.SessionID),
					zap.String("document", documentID),
					zap.Error(err))
				clean = false
			}
		}

		if !clean {
			continue
		}
		if err := j.registry.Unregister(ctx, record.SessionID); err != nil {
			j.log.Warn("unregister of swept session failed",
				zap.String("session", record.SessionID), zap.Error(err))
			continue
		}
		swept++
	}
	return swept, nil
}
