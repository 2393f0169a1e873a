package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tonylu00/bili-sync-sub000/models"
)

// MutationQueue defers structural changes (add/remove a source, change its
// configuration, delete a video) while a scan is in flight and drains them
// afterward. At most one scan runs per process, so the queue never races with
// itself.
type MutationQueue struct {
	state *ScanState
	store Store

	mu    sync.Mutex
	items []models.PendingMutation
}

func NewMutationQueue(state *ScanState, store Store) *MutationQueue {
	return &MutationQueue{state: state, store: store}
}

// IsScanning reports whether mutations would currently be deferred.
func (q *MutationQueue) IsScanning() bool {
	return q.state.IsScanning()
}

// Enqueue queues one structural request.
func (q *MutationQueue) Enqueue(m models.PendingMutation) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	slog.Debug("Queued pending mutation", "task_id", m.TaskID, "kind", m.Kind)
}

// EnqueueDelete implements DeleteSink for the enrichment phase's paid-content
// handling. Fire and forget.
func (q *MutationQueue) EnqueueDelete(videoID int64) {
	m := models.NewMutation(models.MutationDeleteVideo)
	m.VideoID = videoID
	q.Enqueue(m)
}

// Drain applies every queued mutation in order. It is a no-op while a scan is
// active; the caller invokes it again once the scan finishes.
func (q *MutationQueue) Drain(ctx context.Context) error {
	if q.state.IsScanning() {
		return nil
	}

	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, m := range items {
		var err error
		switch m.Kind {
		case models.MutationAddSource:
			err = q.store.AddSource(ctx, m.Source)
		case models.MutationRemoveSource:
			err = q.store.RemoveSource(ctx, m.SourceID)
		case models.MutationUpdateSource:
			err = q.store.UpdateSource(ctx, m.Source)
		case models.MutationDeleteVideo:
			err = q.store.SoftDeleteVideo(ctx, m.VideoID)
		}
		if err != nil {
			slog.Error("Failed to apply pending mutation", "task_id", m.TaskID, "kind", m.Kind, "error", err)
			return err
		}
		slog.Info("Applied pending mutation", "task_id", m.TaskID, "kind", m.Kind)
	}
	return nil
}

// Len reports how many mutations are waiting.
func (q *MutationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
