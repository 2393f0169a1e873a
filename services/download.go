package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tonylu00/bili-sync-sub000/bilibili"
	"github.com/tonylu00/bili-sync-sub000/models"
)

// ErrDownloadAborted distinguishes a risk-control abort of the download phase
// from ordinary failures.
var ErrDownloadAborted = errors.New("download phase aborted")

// downloadSource runs the download executor over every pending video of one
// source (or the explicit id set, for the retry sweep), bounded by the video
// semaphore. A risk control failure anywhere fires the scan's shared signal
// once, aborts all sibling tasks, and — when escalate is set — runs the
// global recovery sweep before surfacing a distinguished abort error.
// Returns the ids of videos whose status was persisted this call.
func (s *Syncer) downloadSource(ctx context.Context, src *models.VideoSource, cache *ScanCache, only []int64, escalate bool) ([]int64, error) {
	var (
		videos []*models.Video
		err    error
	)
	if only == nil {
		videos, err = s.store.PendingVideos(ctx, src)
	} else {
		videos, err = s.store.VideosByID(ctx, only)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending videos: %w", err)
	}
	if len(videos) == 0 {
		return nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(s.cfg.ConcurrentVideos)

	var (
		mu      sync.Mutex
		touched []int64
	)
	for _, v := range videos {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return cancelCause(ctx, gctx)
			}
			defer sem.Release(1)

			if err := s.downloadVideo(gctx, src, v, cache); err != nil {
				if bilibili.IsRiskControl(err) && escalate {
					s.state.Abort(bilibili.ErrRiskControl)
				}
				return err
			}
			mu.Lock()
			touched = append(touched, v.ID)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if bilibili.IsRiskControl(err) {
			if escalate {
				s.recoverySweep(ctx)
			}
			return touched, fmt.Errorf("%w: %w", ErrDownloadAborted, bilibili.ErrRiskControl)
		}
		return touched, err
	}
	return touched, nil
}

// recoverySweep gives every pending entity database-wide a clean slate after
// a lockout. The lockout is global, so the reset deliberately reaches beyond
// the source being scanned. Runs on a detached context because the scan's
// signal has already fired.
func (s *Syncer) recoverySweep(ctx context.Context) {
	n, err := s.store.ResetPendingAll(context.WithoutCancel(ctx))
	if err != nil {
		slog.Error("Recovery sweep failed", "error", err)
		return
	}
	slog.Warn("Risk control recovery sweep complete", "reset_rows", n)
}

// downloadVideo runs the five video-level subtasks for one video. It returns
// an error only for risk control or cancellation; every other failure is
// folded into the status bitfield. Nothing is persisted when it errors, so
// in-flight work keeps its pre-abort counters.
func (s *Syncer) downloadVideo(ctx context.Context, src *models.VideoSource, v *models.Video, cache *ScanCache) error {
	run := v.DownloadStatus.ShouldRun()
	var results [models.SubTaskCount]models.SubTaskResult

	if err := s.ensureVideoPath(src, v); err != nil {
		return fmt.Errorf("failed to resolve path for %s: %w", v.Bvid, err)
	}
	if err := os.MkdirAll(v.Path, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", v.Path, err)
	}

	var abort error
	runTask := func(idx int, name string, fn func(context.Context) error) {
		if abort != nil || !run[idx] {
			return
		}
		results[idx], abort = s.runSubTask(ctx, name, v.Bvid, fn)
	}

	runTask(models.VideoSubTaskCover, "video cover", func(ctx context.Context) error {
		if v.Cover == "" {
			return nil
		}
		return s.client.Fetch(ctx, v.Cover, filepath.Join(v.Path, "poster.jpg"))
	})
	runTask(models.VideoSubTaskInfo, "video info", func(ctx context.Context) error {
		return WriteVideoNFO(v, filepath.Join(v.Path, "movie.nfo"))
	})
	runTask(models.VideoSubTaskUpperFace, "upper face", func(ctx context.Context) error {
		if v.UpperFace == "" {
			return nil
		}
		// One fetch per distinct attribution id per cycle, however many of
		// their videos are in flight.
		return cache.oncePerOwner(ctx, "face", v.UpperID, func(ctx context.Context) error {
			return s.client.Fetch(ctx, v.UpperFace, s.upperFacePath(v.UpperID))
		})
	})
	runTask(models.VideoSubTaskUpperInfo, "upper info", func(ctx context.Context) error {
		return cache.oncePerOwner(ctx, "info", v.UpperID, func(ctx context.Context) error {
			return WriteUpperNFO(v.UpperID, v.UpperName, s.upperInfoPath(v.UpperID))
		})
	})

	if abort == nil && run[models.VideoSubTaskPages] {
		results[models.VideoSubTaskPages], abort = s.downloadPages(ctx, v)
	}

	if abort != nil {
		return abort
	}

	v.DownloadStatus.Update(results)
	if err := s.store.SaveVideoStatus(ctx, v); err != nil {
		return fmt.Errorf("failed to persist status for %s: %w", v.Bvid, err)
	}
	return nil
}

// downloadPages dispatches one bounded task per eligible page and reports a
// single aggregate outcome for the video's pages-complete subtask.
func (s *Syncer) downloadPages(ctx context.Context, v *models.Video) (models.SubTaskResult, error) {
	pages, err := s.store.PagesOf(ctx, v.ID)
	if err != nil {
		return models.ResultFailed, nil
	}
	if len(pages) == 0 {
		return models.ResultFailed, nil // enrichment has not produced parts yet
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(s.cfg.ConcurrentPages)

	var incomplete sync.Map
	for _, p := range pages {
		if p.DownloadStatus.Completed() {
			continue
		}
		if !p.DownloadStatus.ShouldRunAny() {
			incomplete.Store(p.ID, true)
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return cancelCause(ctx, gctx)
			}
			defer sem.Release(1)

			if err := s.downloadPage(gctx, v, p); err != nil {
				return err
			}
			if !p.DownloadStatus.Completed() {
				incomplete.Store(p.ID, true)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return models.ResultPending, err
	}

	done := true
	incomplete.Range(func(_, _ any) bool {
		done = false
		return false
	})
	if done {
		return models.ResultSucceeded, nil
	}
	return models.ResultFailed, nil
}

// downloadPage runs the five page-level subtasks for one part and persists
// its status, unless aborted.
func (s *Syncer) downloadPage(ctx context.Context, v *models.Video, p *models.Page) error {
	run := p.DownloadStatus.ShouldRun()
	var results [models.SubTaskCount]models.SubTaskResult

	if p.Path == "" {
		name, err := s.renamer.PageFileName(v, p)
		if err != nil {
			return fmt.Errorf("failed to render page name: %w", err)
		}
		p.Path = filepath.Join(v.Path, name+".mp4")
	}
	base := trimExt(p.Path)

	var abort error
	runTask := func(idx int, name string, fn func(context.Context) error) {
		if abort != nil || !run[idx] {
			return
		}
		results[idx], abort = s.runSubTask(ctx, name, fmt.Sprintf("%s/p%d", v.Bvid, p.PID), fn)
	}

	runTask(models.PageSubTaskCover, "page cover", func(ctx context.Context) error {
		if p.Image == "" {
			return nil
		}
		return s.client.Fetch(ctx, p.Image, base+"-poster.jpg")
	})
	runTask(models.PageSubTaskMedia, "media stream", func(ctx context.Context) error {
		stream, err := s.client.BestStream(ctx, v.Bvid, p.Cid)
		if err != nil {
			return err
		}
		err = s.client.Fetch(ctx, stream.URL, p.Path)
		for _, backup := range stream.BackupURLs {
			if err == nil || bilibili.IsRiskControl(err) {
				break
			}
			err = s.client.Fetch(ctx, backup, p.Path)
		}
		return err
	})
	runTask(models.PageSubTaskInfo, "page info", func(ctx context.Context) error {
		return WritePageNFO(v, p, base+".nfo")
	})
	runTask(models.PageSubTaskDanmaku, "danmaku", func(ctx context.Context) error {
		data, err := s.client.Danmaku(ctx, p.Cid)
		if err != nil {
			return err
		}
		return writeFileAtomic(base+".danmaku.xml", data)
	})
	runTask(models.PageSubTaskSubtitle, "subtitle", func(ctx context.Context) error {
		subs, err := s.client.Subtitles(ctx, v.Bvid, p.Cid)
		if err != nil {
			return err
		}
		return WriteSubtitles(subs, base)
	})

	if abort != nil {
		return abort
	}

	p.DownloadStatus.Update(results)
	if err := s.store.SavePageStatus(ctx, p); err != nil {
		return fmt.Errorf("failed to persist page status: %w", err)
	}
	return nil
}

// runSubTask maps one subtask attempt to its four-state outcome. Risk control
// and cancellation come back as errors so the caller aborts without
// persisting; everything else is logged at classified severity and folded
// into the result.
func (s *Syncer) runSubTask(ctx context.Context, name, entity string, fn func(context.Context) error) (models.SubTaskResult, error) {
	err := fn(ctx)
	if err == nil {
		return models.ResultSucceeded, nil
	}
	switch bilibili.Classify(err) {
	case bilibili.KindRiskControl:
		return models.ResultPending, err
	case bilibili.KindCanceled:
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		return models.ResultPending, err
	case bilibili.KindNotFound:
		slog.Debug("Subtask target gone", "task", name, "entity", entity, "error", err)
		return models.ResultIgnored, nil
	case bilibili.KindPermission:
		slog.Info("Subtask not permitted", "task", name, "entity", entity, "error", err)
		return models.ResultIgnored, nil
	case bilibili.KindNetwork, bilibili.KindTimeout, bilibili.KindRateLimit:
		slog.Warn("Subtask failed, will retry", "task", name, "entity", entity,
			"kind", bilibili.Classify(err).String(), "retryable", true, "error", err)
		return models.ResultFailed, nil
	default:
		slog.Error("Subtask failed", "task", name, "entity", entity, "error", err)
		return models.ResultFailed, nil
	}
}

// ensureVideoPath renders and collision-resolves the video's destination
// folder the first time it is needed.
func (s *Syncer) ensureVideoPath(src *models.VideoSource, v *models.Video) error {
	if v.Path != "" {
		return nil
	}
	name, err := s.renamer.VideoDirName(v)
	if err != nil {
		return err
	}
	dir, err := ResolveVideoDir(src.Path, name, v)
	if err != nil {
		return err
	}
	v.Path = dir
	return nil
}

func (s *Syncer) upperFacePath(mid int64) string {
	return filepath.Join(s.cfg.LibraryPath, "upper", fmt.Sprintf("%d", mid), "folder.jpg")
}

func (s *Syncer) upperInfoPath(mid int64) string {
	return filepath.Join(s.cfg.LibraryPath, "upper", fmt.Sprintf("%d", mid), "person.nfo")
}

func trimExt(path string) string {
	return path[:len(path)-len(filepath.Ext(path))]
}
