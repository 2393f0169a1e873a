package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonylu00/bili-sync-sub000/bilibili"
	"github.com/tonylu00/bili-sync-sub000/models"
)

func boolPtr(b bool) *bool { return &b }

// seedPendingVideo wires one enriched video with one page into the store.
func seedPendingVideo(store *fakeStore, src *models.VideoSource, bvid string) (*models.Video, *models.Page) {
	v := store.addVideo(&models.Video{
		SourceType: src.Type,
		SourceID:   src.ID,
		Bvid:       bvid,
		Name:       "title " + bvid,
		UpperID:    42,
		UpperName:  "uploader",
		Valid:      true,
		SinglePage: boolPtr(true),
		Pubtime:    daysAgo(3),
	})
	p := store.addPage(&models.Page{
		VideoID:  v.ID,
		Cid:      1000 + v.ID,
		PID:      1,
		Name:     "part one",
		Duration: 120,
	})
	return v, p
}

func TestDownloadSourceCompletesVideoAndPage(t *testing.T) {
	store := newFakeStore()
	src := store.addSource(&models.VideoSource{
		Type: models.SourceFavorite, RemoteID: 7, Name: "favs",
		Path: t.TempDir(), Enabled: true,
	})
	v, p := seedPendingVideo(store, src, "BV1done")

	client := &fakeClient{fetchFn: func(ctx context.Context, url, dest string) error {
		return writeStub(dest)
	}}
	syncer, state := newTestSyncer(t.TempDir(), store, client, nil)
	ctx, ok := state.Start(context.Background())
	require.True(t, ok)
	defer state.Finish()

	touched, err := syncer.downloadSource(ctx, src, newScanCache(nil), nil, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{v.ID}, touched)

	assert.True(t, v.DownloadStatus.Completed())
	assert.True(t, p.DownloadStatus.Completed())
	assert.Equal(t, uint32(models.PackedOK), v.DownloadStatus.Uint32())

	// The media stream landed where the page path says it is.
	assert.FileExists(t, p.Path)
	assert.FileExists(t, filepath.Join(v.Path, "movie.nfo"))
	assert.FileExists(t, trimExt(p.Path)+".nfo")
	assert.Zero(t, store.resetCalls)
}

func TestDownloadSourceRiskControlAbortsWithoutPersisting(t *testing.T) {
	store := newFakeStore()
	src := store.addSource(&models.VideoSource{
		Type: models.SourceFavorite, RemoteID: 7, Name: "favs",
		Path: t.TempDir(), Enabled: true,
	})
	v, p := seedPendingVideo(store, src, "BV1walled")
	// A prior cycle already failed the media subtask twice.
	p.DownloadStatus.Set(models.PageSubTaskMedia, 2)

	client := &fakeClient{streamFn: func(ctx context.Context, bvid string, cid int64) (bilibili.Stream, error) {
		return bilibili.Stream{}, &bilibili.APIError{Code: -352, Message: "risk control"}
	}}
	syncer, state := newTestSyncer(t.TempDir(), store, client, nil)
	ctx, ok := state.Start(context.Background())
	require.True(t, ok)
	defer state.Finish()

	touched, err := syncer.downloadSource(ctx, src, newScanCache(nil), nil, true)
	require.ErrorIs(t, err, ErrDownloadAborted)
	require.ErrorIs(t, err, bilibili.ErrRiskControl)
	assert.Empty(t, touched)

	// The shared signal fired with the lockout as its cause.
	assert.ErrorIs(t, context.Cause(ctx), bilibili.ErrRiskControl)

	// Escalation runs the global recovery sweep exactly once.
	assert.Equal(t, 1, store.resetCalls)

	// No spurious completion: the aborted attempt persisted nothing beyond
	// what the sweep itself rewrote.
	assert.False(t, v.DownloadStatus.Completed())
	assert.NotEqual(t, uint8(models.StatusOK), p.DownloadStatus.Get(models.PageSubTaskMedia))
}

func TestDownloadSourceRetryModeDoesNotEscalate(t *testing.T) {
	store := newFakeStore()
	src := store.addSource(&models.VideoSource{
		Type: models.SourceFavorite, RemoteID: 7, Name: "favs",
		Path: t.TempDir(), Enabled: true,
	})
	v, _ := seedPendingVideo(store, src, "BV1retry")

	client := &fakeClient{streamFn: func(ctx context.Context, bvid string, cid int64) (bilibili.Stream, error) {
		return bilibili.Stream{}, &bilibili.APIError{Code: -412, Message: "risk control"}
	}}
	syncer, state := newTestSyncer(t.TempDir(), store, client, nil)
	ctx, ok := state.Start(context.Background())
	require.True(t, ok)
	defer state.Finish()

	_, err := syncer.downloadSource(ctx, src, newScanCache(nil), []int64{v.ID}, false)
	require.ErrorIs(t, err, bilibili.ErrRiskControl)

	// Non-escalating mode neither fires the shared signal nor sweeps.
	assert.NoError(t, context.Cause(ctx))
	assert.Zero(t, store.resetCalls)
}

func TestDownloadVideoSkipsExhaustedSubTasks(t *testing.T) {
	store := newFakeStore()
	src := store.addSource(&models.VideoSource{
		Type: models.SourceFavorite, RemoteID: 7, Name: "favs",
		Path: t.TempDir(), Enabled: true,
	})
	v, p := seedPendingVideo(store, src, "BV1burnt")
	// Media burnt through all attempts; the rest of the page is done.
	p.DownloadStatus = models.DownloadStatus{models.StatusOK, models.MaxRetry, models.StatusOK, models.StatusOK, models.StatusOK}
	before := p.DownloadStatus

	var streamed bool
	client := &fakeClient{streamFn: func(ctx context.Context, bvid string, cid int64) (bilibili.Stream, error) {
		streamed = true
		return bilibili.Stream{URL: "https://cdn.example/x"}, nil
	}}
	syncer, state := newTestSyncer(t.TempDir(), store, client, nil)
	ctx, ok := state.Start(context.Background())
	require.True(t, ok)
	defer state.Finish()

	_, err := syncer.downloadSource(ctx, src, newScanCache(nil), nil, true)
	require.NoError(t, err)

	assert.False(t, streamed, "an exhausted subtask must not run again")
	assert.Equal(t, before, p.DownloadStatus, "exhausted counters stay frozen, never bumped to complete")
	// The incomplete page keeps the video's pages subtask failing.
	assert.Equal(t, uint8(1), v.DownloadStatus.Get(models.VideoSubTaskPages))
	assert.False(t, v.DownloadStatus.Completed())
}

func TestDownloadSourceTransientFailureCountsAttempt(t *testing.T) {
	store := newFakeStore()
	src := store.addSource(&models.VideoSource{
		Type: models.SourceFavorite, RemoteID: 7, Name: "favs",
		Path: t.TempDir(), Enabled: true,
	})
	_, p := seedPendingVideo(store, src, "BV1flaky")

	client := &fakeClient{
		streamFn: func(ctx context.Context, bvid string, cid int64) (bilibili.Stream, error) {
			return bilibili.Stream{}, errors.New("connection reset")
		},
		fetchFn: func(ctx context.Context, url, dest string) error {
			return writeStub(dest)
		},
	}
	syncer, state := newTestSyncer(t.TempDir(), store, client, nil)
	ctx, ok := state.Start(context.Background())
	require.True(t, ok)
	defer state.Finish()

	touched, err := syncer.downloadSource(ctx, src, newScanCache(nil), nil, true)
	require.NoError(t, err, "ordinary failures fold into the status, not the return")
	assert.Len(t, touched, 1)

	assert.Equal(t, uint8(1), p.DownloadStatus.Get(models.PageSubTaskMedia))
	assert.Equal(t, uint8(models.StatusOK), p.DownloadStatus.Get(models.PageSubTaskInfo))
	assert.False(t, p.DownloadStatus.Completed())
}

func TestRetryOnceGivesOneMoreAttempt(t *testing.T) {
	store := newFakeStore()
	src := store.addSource(&models.VideoSource{
		Type: models.SourceFavorite, RemoteID: 7, Name: "favs",
		Path: t.TempDir(), Enabled: true,
	})
	v, p := seedPendingVideo(store, src, "BV1second")

	// First attempt fails the stream, second succeeds.
	attempts := 0
	client := &fakeClient{
		streamFn: func(ctx context.Context, bvid string, cid int64) (bilibili.Stream, error) {
			attempts++
			if attempts == 1 {
				return bilibili.Stream{}, errors.New("connection reset")
			}
			return bilibili.Stream{URL: "https://cdn.example/x"}, nil
		},
		fetchFn: func(ctx context.Context, url, dest string) error {
			return writeStub(dest)
		},
	}
	syncer, state := newTestSyncer(t.TempDir(), store, client, nil)
	ctx, ok := state.Start(context.Background())
	require.True(t, ok)
	defer state.Finish()

	touched, err := syncer.downloadSource(ctx, src, newScanCache(nil), nil, true)
	require.NoError(t, err)

	syncer.retryOnce(ctx, src, newScanCache(nil), touched)

	assert.Equal(t, 2, attempts)
	assert.True(t, p.DownloadStatus.Completed())
	assert.True(t, v.DownloadStatus.Completed())
}

func TestRetryOnceSwallowsRiskControl(t *testing.T) {
	store := newFakeStore()
	src := store.addSource(&models.VideoSource{
		Type: models.SourceFavorite, RemoteID: 7, Name: "favs",
		Path: t.TempDir(), Enabled: true,
	})
	v, _ := seedPendingVideo(store, src, "BV1wall2")
	v.Cover = "https://i.example/cover.jpg"
	v.DownloadStatus.Set(models.VideoSubTaskCover, 1)

	client := &fakeClient{fetchFn: func(ctx context.Context, url, dest string) error {
		return &bilibili.StatusError{StatusCode: 412, URL: url}
	}}
	syncer, state := newTestSyncer(t.TempDir(), store, client, nil)
	ctx, ok := state.Start(context.Background())
	require.True(t, ok)
	defer state.Finish()

	// Must not panic, must not abort the scan, must not sweep.
	syncer.retryOnce(ctx, src, newScanCache(nil), []int64{v.ID})
	assert.NoError(t, context.Cause(ctx))
	assert.Zero(t, store.resetCalls)
}

func writeStub(dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte("stub"), 0644)
}
