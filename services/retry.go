package services

import (
	"context"
	"log/slog"

	"github.com/tonylu00/bili-sync-sub000/bilibili"
	"github.com/tonylu00/bili-sync-sub000/models"
)

// retryOnce gives videos that failed during this cycle one immediate extra
// attempt before the source is done. Risk control detected here stops the
// sweep but is logged and swallowed: one flaky retry must not trigger a
// second global recovery sweep or cancel the outer pipeline again.
func (s *Syncer) retryOnce(ctx context.Context, src *models.VideoSource, cache *ScanCache, touched []int64) {
	if len(touched) == 0 {
		return
	}

	videos, err := s.store.VideosByID(ctx, touched)
	if err != nil {
		slog.Error("Retry sweep could not load videos", "source", src.Name, "error", err)
		return
	}

	var retry []int64
	for _, v := range videos {
		if hasFailedSubTask(v.DownloadStatus) {
			retry = append(retry, v.ID)
		}
	}
	if len(retry) == 0 {
		return
	}

	slog.Info("Retrying failed videos once", "source", src.Name, "count", len(retry))
	if _, err := s.downloadSource(ctx, src, cache, retry, false); err != nil {
		if bilibili.IsRiskControl(err) {
			slog.Warn("Risk control during retry sweep, giving up on retries",
				"source", src.Name, "error", err)
			return
		}
		slog.Error("Retry sweep failed", "source", src.Name, "error", err)
	}
}

// hasFailedSubTask reports whether any subtask sits in the failed-but-
// retryable range.
func hasFailedSubTask(status models.DownloadStatus) bool {
	for i := 0; i < models.SubTaskCount; i++ {
		v := status.Get(i)
		if v >= 1 && v <= models.MaxRetry {
			return true
		}
	}
	return false
}
