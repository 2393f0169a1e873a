package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tonylu00/bili-sync-sub000/bilibili"
	"github.com/tonylu00/bili-sync-sub000/models"
)

// enrichSource fills in per-video fields the listing does not carry: tags,
// pages, collaborator attribution, paid-content flags. Episodic videos are
// grouped per series so one remote call covers the whole season; ordinary
// videos are enriched concurrently under the video semaphore. A risk control
// failure aborts the whole phase instead of being swallowed per video.
func (s *Syncer) enrichSource(ctx context.Context, src *models.VideoSource, cache *ScanCache) error {
	videos, err := s.store.UnenrichedVideos(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to load unenriched videos: %w", err)
	}
	if len(videos) == 0 {
		return nil
	}

	var episodic, ordinary []*models.Video
	for _, v := range videos {
		if v.SeasonID != nil {
			episodic = append(episodic, v)
		} else {
			ordinary = append(ordinary, v)
		}
	}

	if err := s.enrichEpisodic(ctx, episodic, cache); err != nil {
		return err
	}
	return s.enrichOrdinary(ctx, src, ordinary, cache)
}

// enrichEpisodic enriches series videos grouped by season. Known part ids are
// loaded from already-persisted rows first; only seasons with identifiers
// missing locally trigger one remote call each.
func (s *Syncer) enrichEpisodic(ctx context.Context, videos []*models.Video, cache *ScanCache) error {
	bySeason := make(map[string][]*models.Video)
	for _, v := range videos {
		bySeason[*v.SeasonID] = append(bySeason[*v.SeasonID], v)
	}

	for seasonID, group := range bySeason {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		// Persisted rows first: parts already known for this season satisfy
		// group members without touching the remote.
		known, err := s.store.KnownSeasonPages(ctx, seasonID)
		if err != nil {
			return err
		}

		var missing []*models.Video
		for _, v := range group {
			p, ok := known[v.Bvid]
			if !ok {
				missing = append(missing, v)
				continue
			}
			if err := s.saveEpisode(ctx, v, p.Cid, p.Name, p.Duration, p.Image, v.EpisodeNumber); err != nil {
				return err
			}
		}
		if len(missing) == 0 {
			continue
		}

		// One remote call for the whole series, not one per item.
		episodes, ok := cache.getEpisodes(seasonID)
		if !ok {
			sid, err := strconv.ParseInt(seasonID, 10, 64)
			if err != nil {
				return fmt.Errorf("bad season id %q: %w", seasonID, err)
			}
			episodes, err = s.client.SeriesEpisodes(ctx, sid)
			if err != nil {
				if bilibili.IsRiskControl(err) {
					return err
				}
				s.logClassified(err, "fetch season", "season_id", seasonID)
				continue
			}
			cache.putEpisodes(seasonID, episodes)
		}

		byBvid := make(map[string]bilibili.EpisodeInfo, len(episodes))
		for _, ep := range episodes {
			byBvid[ep.Bvid] = ep
		}

		for _, v := range missing {
			ep, ok := byBvid[v.Bvid]
			if !ok {
				slog.Warn("Episode missing from season listing, marking invalid",
					"bvid", v.Bvid, "season_id", seasonID)
				if err := s.store.MarkVideoInvalid(ctx, v.ID); err != nil {
					return err
				}
				continue
			}
			num := ep.EpisodeNumber
			if err := s.saveEpisode(ctx, v, ep.Cid, ep.Title, ep.Duration, ep.Cover, &num); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Syncer) saveEpisode(ctx context.Context, v *models.Video, cid int64, name string, duration uint32, image string, episode *int) error {
	single := true
	v.SinglePage = &single
	if episode != nil {
		v.EpisodeNumber = episode
	}
	page := &models.Page{
		VideoID:  v.ID,
		Cid:      cid,
		PID:      1,
		Name:     name,
		Duration: duration,
		Image:    image,
	}
	return s.store.SaveVideoDetail(ctx, v, []*models.Page{page})
}

// enrichOrdinary enriches non-episodic videos concurrently. Per-video
// failures are recorded and swallowed unless classified as risk control or a
// pause, which abort the phase.
func (s *Syncer) enrichOrdinary(ctx context.Context, src *models.VideoSource, videos []*models.Video, cache *ScanCache) error {
	if len(videos) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(s.cfg.ConcurrentVideos)

	for _, v := range videos {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return cancelCause(ctx, gctx)
			}
			defer sem.Release(1)

			err := s.enrichVideo(gctx, src, v, cache)
			if err == nil {
				return nil
			}
			switch bilibili.Classify(err) {
			case bilibili.KindRiskControl:
				return err
			case bilibili.KindCanceled:
				return cancelCause(ctx, gctx)
			case bilibili.KindNotFound:
				slog.Debug("Video no longer resolvable, marking invalid", "bvid", v.Bvid)
				return s.store.MarkVideoInvalid(gctx, v.ID)
			default:
				s.logClassified(err, "enrich video", "bvid", v.Bvid)
				return nil
			}
		})
	}
	return g.Wait()
}

func (s *Syncer) enrichVideo(ctx context.Context, src *models.VideoSource, v *models.Video, cache *ScanCache) error {
	detail, err := s.client.VideoDetail(ctx, v.Bvid)
	if err != nil {
		return err
	}

	// Exclusive content the account has not unlocked is not a failure: hand
	// the video to the deletion sink and stop processing it.
	if detail.Paid && !detail.Unlocked {
		slog.Info("Paid video not unlocked, queueing deletion", "bvid", v.Bvid)
		s.deletes.EnqueueDelete(v.ID)
		return nil
	}

	v.Name = detail.Title
	v.Intro = detail.Intro
	v.Cover = detail.Cover
	v.Tags = detail.Tags
	v.Staff = detail.Staff
	v.UpperID = detail.Upper.Mid
	v.UpperName = detail.Upper.Name
	v.UpperFace = detail.Upper.Face

	if len(detail.Staff) > 1 {
		s.reattribute(src, v, cache)
	}

	single := len(detail.Pages) == 1
	v.SinglePage = &single

	pages := make([]*models.Page, 0, len(detail.Pages))
	for _, p := range detail.Pages {
		pages = append(pages, &models.Page{
			VideoID:  v.ID,
			Cid:      p.Cid,
			PID:      p.Page,
			Name:     p.Name,
			Duration: p.Duration,
			Image:    p.FirstFrame,
		})
	}
	return s.store.SaveVideoDetail(ctx, v, pages)
}

// reattribute rewrites a collaborative video's attribution to the one
// collaborator the user actually subscribes to, so collaborative uploads stay
// grouped under the subscribed party rather than the nominal uploader. The
// originating source wins if it is itself a submission source; otherwise all
// enabled submission sources are scanned and the rewrite only happens on an
// unambiguous single match.
func (s *Syncer) reattribute(src *models.VideoSource, v *models.Video, cache *ScanCache) {
	if src.Type == models.SourceSubmission {
		for _, collab := range v.Staff {
			if collab.Mid == src.RemoteID {
				applyAttribution(v, collab)
				return
			}
		}
	}

	var match *models.StaffInfo
	for i := range v.Staff {
		if _, ok := cache.submissionSource(v.Staff[i].Mid); !ok {
			continue
		}
		if match != nil {
			return // ambiguous, keep nominal attribution
		}
		match = &v.Staff[i]
	}
	if match != nil {
		applyAttribution(v, *match)
	}
}

func applyAttribution(v *models.Video, collab models.StaffInfo) {
	v.UpperID = collab.Mid
	v.UpperName = collab.Name
	v.UpperFace = collab.Face
}

// logClassified logs a non-fatal failure at the severity its classification
// calls for.
func (s *Syncer) logClassified(err error, op string, args ...any) {
	kind := bilibili.Classify(err)
	args = append(args, "kind", kind.String(), "error", err)
	switch kind {
	case bilibili.KindNotFound:
		slog.Debug("Remote content gone during "+op, args...)
	case bilibili.KindPermission:
		slog.Info("Permission denied during "+op, args...)
	case bilibili.KindNetwork, bilibili.KindTimeout, bilibili.KindRateLimit:
		args = append(args, "retryable", true)
		slog.Warn("Transient failure during "+op, args...)
	default:
		slog.Error("Failed to "+op, args...)
	}
}

// cancelCause prefers the scan-level cancellation cause (pause or abort) over
// the local group's context error.
func cancelCause(scanCtx, gctx context.Context) error {
	if err := context.Cause(scanCtx); err != nil {
		return err
	}
	return context.Cause(gctx)
}
