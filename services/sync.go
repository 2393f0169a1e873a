package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonylu00/bili-sync-sub000/bilibili"
	"github.com/tonylu00/bili-sync-sub000/config"
	"github.com/tonylu00/bili-sync-sub000/models"
)

// ErrScanActive is returned when a scan is requested while one is running.
var ErrScanActive = errors.New("a scan is already in progress")

// Syncer drives the four-phase pipeline for every enabled source: discover
// new items, enrich metadata, download artifacts, then retry this cycle's
// stragglers once.
type Syncer struct {
	cfg     *config.Config
	store   Store
	client  RemoteClient
	deletes DeleteSink
	state   *ScanState
	renamer *Renamer
}

func NewSyncer(cfg *config.Config, store Store, client RemoteClient, deletes DeleteSink, state *ScanState) (*Syncer, error) {
	renamer, err := NewRenamer(cfg)
	if err != nil {
		return nil, err
	}
	return &Syncer{
		cfg:     cfg,
		store:   store,
		client:  client,
		deletes: deletes,
		state:   state,
		renamer: renamer,
	}, nil
}

// Pause cancels the in-flight scan, if any, as a user action.
func (s *Syncer) Pause() {
	s.state.Pause()
}

// ScanAll runs one full scan cycle over every enabled source. A failure
// classified as risk control stops the cycle: the lockout is global, so
// scanning further sources would only dig the hole deeper.
func (s *Syncer) ScanAll(ctx context.Context) error {
	scanCtx, ok := s.state.Start(ctx)
	if !ok {
		return ErrScanActive
	}
	defer s.state.Finish()

	sources, err := s.store.ListEnabledSources(scanCtx)
	if err != nil {
		return fmt.Errorf("failed to list sources: %w", err)
	}
	if len(sources) == 0 {
		slog.Debug("No enabled sources to scan")
		return nil
	}

	cache := newScanCache(sources)

	for _, src := range sources {
		err := s.processVideoSource(scanCtx, src, cache)
		switch {
		case err == nil:
		case bilibili.Classify(err) == bilibili.KindRiskControl:
			slog.Error("Risk control triggered, stopping scan cycle",
				"source", src.Name, "error", err)
			return err
		case bilibili.Classify(err) == bilibili.KindCanceled:
			slog.Info("Scan paused", "source", src.Name)
			return err
		default:
			slog.Error("Source scan failed, continuing with next source",
				"source", src.Name, "error", err)
		}
	}
	return nil
}

// processVideoSource runs discovery, enrichment, download, and the retry
// sweep for one source, threading the scan's cancellation signal throughout.
func (s *Syncer) processVideoSource(ctx context.Context, src *models.VideoSource, cache *ScanCache) error {
	log := slog.With("source", src.Name, "type", src.Type)
	log.Info("Scanning video source")

	newCount, err := s.refreshSource(ctx, src, cache)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	if err := context.Cause(ctx); err != nil {
		return err
	}
	if newCount == 0 {
		log.Debug("No new videos, skipping remaining phases")
		return nil
	}
	log.Info("Discovered new videos", "count", newCount)

	if err := s.enrichSource(ctx, src, cache); err != nil {
		return fmt.Errorf("enrichment failed: %w", err)
	}

	touched, err := s.downloadSource(ctx, src, cache, nil, true)
	if err != nil {
		return err
	}

	s.retryOnce(ctx, src, cache, touched)
	return nil
}
