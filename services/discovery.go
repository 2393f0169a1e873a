package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tonylu00/bili-sync-sub000/bilibili"
	"github.com/tonylu00/bili-sync-sub000/models"
)

// discoveryBatchSize is how many freshly discovered videos are persisted per
// write during the refresh phase.
const discoveryBatchSize = 10

// refreshSource pulls the source's remote listing newest-first, stops at the
// first item not newer than the watermark, and persists new items in batches.
// The watermark advances only after the whole stream is consumed without an
// I/O error, so an interrupted refresh reattempts the same window next cycle.
// Returns how many videos were actually new, per the unique-constraint delta.
func (s *Syncer) refreshSource(ctx context.Context, src *models.VideoSource, cache *ScanCache) (int, error) {
	newCount := 0
	// Running max of publish times defends against a later page carrying a
	// newer item than an earlier page's head.
	maxPub := src.LatestRowAt
	batch := make([]*models.Video, 0, discoveryBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.store.InsertVideos(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to persist batch: %w", err)
		}
		newCount += n
		batch = batch[:0]
		return nil
	}

	stop := false
	for pn := 1; !stop; pn++ {
		if err := ctx.Err(); err != nil {
			return newCount, context.Cause(ctx)
		}

		page, err := s.client.ListVideos(ctx, src, pn)
		if err != nil {
			return newCount, fmt.Errorf("failed to list page %d: %w", pn, err)
		}
		if len(page.Items) == 0 {
			break
		}

		for _, item := range page.Items {
			released := watermarkTime(src, item)
			if !src.ShouldTake(released) {
				stop = true
				break
			}
			if item.Attr != 0 && !src.ScanDeleted {
				continue // remote marked it removed and the source skips those
			}
			if released.After(maxPub) {
				maxPub = released
			}
			batch = append(batch, videoFromInfo(src, item))
			if len(batch) >= discoveryBatchSize {
				if err := flush(); err != nil {
					return newCount, err
				}
			}
		}

		if !page.HasMore {
			break
		}
	}

	if err := flush(); err != nil {
		return newCount, err
	}

	if src.AdvanceWatermark(maxPub) {
		if err := s.store.SaveSourceWatermark(ctx, src); err != nil {
			return newCount, fmt.Errorf("failed to save watermark: %w", err)
		}
	}

	if src.IsEpisodic() {
		if err := s.refreshEpisodeCache(ctx, src, cache, newCount > 0); err != nil {
			// The cache is an optimization; a refresh error must not fail
			// discovery.
			slog.Warn("Failed to refresh episode cache", "source", src.Name, "error", err)
		}
	}

	return newCount, nil
}

// watermarkTime picks the timestamp the source variant compares against its
// watermark. Favorites and watch-later order by when the item was added, the
// rest by publish time.
func watermarkTime(src *models.VideoSource, item bilibili.VideoInfo) time.Time {
	switch src.Type {
	case models.SourceFavorite, models.SourceWatchLater:
		if !item.Favtime.IsZero() {
			return item.Favtime
		}
	}
	return item.Pubtime
}

// refreshEpisodeCache opportunistically refreshes the denormalized episode
// list of an episodic source when new items were found or no cache exists.
func (s *Syncer) refreshEpisodeCache(ctx context.Context, src *models.VideoSource, cache *ScanCache, foundNew bool) error {
	if !foundNew {
		has, err := s.store.HasEpisodeCache(ctx, src.ID)
		if err != nil {
			return err
		}
		if has {
			return nil
		}
	}

	episodes, err := s.client.SeriesEpisodes(ctx, src.RemoteID)
	if err != nil {
		return err
	}
	cache.putEpisodes(strconv.FormatInt(src.RemoteID, 10), episodes)

	raw, err := json.Marshal(episodes)
	if err != nil {
		return err
	}
	return s.store.SaveEpisodeCache(ctx, src.ID, raw)
}

// videoFromInfo builds the initial row for a discovered item.
func videoFromInfo(src *models.VideoSource, item bilibili.VideoInfo) *models.Video {
	v := &models.Video{
		Bvid:      item.Bvid,
		Name:      item.Title,
		UpperID:   item.Upper.Mid,
		UpperName: item.Upper.Name,
		UpperFace: item.Upper.Face,
		Intro:     item.Intro,
		Cover:     item.Cover,
		Valid:     true,
		Ctime:     item.Ctime,
		Pubtime:   item.Pubtime,
		Favtime:   item.Favtime,
	}
	src.StampOwnership(v)
	if item.SeasonID != "" {
		sid := item.SeasonID
		ep := item.EpisodeNumber
		season := 1
		v.SeasonID = &sid
		v.EpisodeNumber = &ep
		v.SeasonNumber = &season
	}
	return v
}
