package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tonylu00/bili-sync-sub000/bilibili"
	"github.com/tonylu00/bili-sync-sub000/config"
	"github.com/tonylu00/bili-sync-sub000/models"
)

// fakeStore is an in-memory Store with the same newness and reset semantics
// as the SQL implementation.
type fakeStore struct {
	mu sync.Mutex

	sources       []*models.VideoSource
	videos        map[int64]*models.Video
	pages         map[int64]*models.Page
	episodeCache  map[int64][]byte
	softDeleted   []int64
	insertBatches []int
	resetCalls    int
	nextID        int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		videos:       make(map[int64]*models.Video),
		pages:        make(map[int64]*models.Page),
		episodeCache: make(map[int64][]byte),
	}
}

func (f *fakeStore) addSource(src *models.VideoSource) *models.VideoSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	src.ID = f.nextID
	f.sources = append(f.sources, src)
	return src
}

func (f *fakeStore) addVideo(v *models.Video) *models.Video {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	v.ID = f.nextID
	f.videos[v.ID] = v
	return v
}

func (f *fakeStore) addPage(p *models.Page) *models.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p.ID = f.nextID
	f.pages[p.ID] = p
	return p
}

func (f *fakeStore) ListEnabledSources(ctx context.Context) ([]*models.VideoSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.VideoSource
	for _, s := range f.sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveSourceWatermark(ctx context.Context, src *models.VideoSource) error {
	return nil // watermark lives on the struct already
}

func (f *fakeStore) HasEpisodeCache(ctx context.Context, sourceID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.episodeCache[sourceID]
	return ok, nil
}

func (f *fakeStore) SaveEpisodeCache(ctx context.Context, sourceID int64, cache []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.episodeCache[sourceID] = cache
	return nil
}

func (f *fakeStore) InsertVideos(ctx context.Context, videos []*models.Video) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertBatches = append(f.insertBatches, len(videos))
	inserted := 0
	for _, v := range videos {
		dup := false
		for _, existing := range f.videos {
			if existing.SourceType == v.SourceType && existing.SourceID == v.SourceID && existing.Bvid == v.Bvid {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		f.nextID++
		clone := *v
		clone.ID = f.nextID
		f.videos[clone.ID] = &clone
		inserted++
	}
	return inserted, nil
}

func (f *fakeStore) UnenrichedVideos(ctx context.Context, src *models.VideoSource) ([]*models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Video
	for _, v := range f.videos {
		if v.SourceType == src.Type && v.SourceID == src.ID && v.SinglePage == nil && v.Valid && !v.Deleted {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveVideoDetail(ctx context.Context, v *models.Video, pages []*models.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos[v.ID] = v
	for _, p := range pages {
		exists := false
		for _, existing := range f.pages {
			if existing.VideoID == p.VideoID && existing.Cid == p.Cid {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		f.nextID++
		p.ID = f.nextID
		f.pages[p.ID] = p
	}
	return nil
}

func (f *fakeStore) MarkVideoInvalid(ctx context.Context, videoID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.videos[videoID]; ok {
		v.Valid = false
	}
	return nil
}

func (f *fakeStore) PendingVideos(ctx context.Context, src *models.VideoSource) ([]*models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Video
	for _, v := range f.videos {
		if v.SourceType == src.Type && v.SourceID == src.ID && v.SinglePage != nil &&
			v.Valid && !v.Deleted && v.DownloadStatus.ShouldRunAny() {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStore) VideosByID(ctx context.Context, ids []int64) ([]*models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Video
	for _, id := range ids {
		if v, ok := f.videos[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStore) PagesOf(ctx context.Context, videoID int64) ([]*models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Page
	for _, p := range f.pages {
		if p.VideoID == videoID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) KnownSeasonPages(ctx context.Context, seasonID string) (map[string]*models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	known := make(map[string]*models.Page)
	for _, p := range f.pages {
		v, ok := f.videos[p.VideoID]
		if !ok || v.SeasonID == nil || *v.SeasonID != seasonID {
			continue
		}
		known[v.Bvid] = p
	}
	return known, nil
}

func (f *fakeStore) SaveVideoStatus(ctx context.Context, v *models.Video) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos[v.ID] = v
	return nil
}

func (f *fakeStore) SavePageStatus(ctx context.Context, p *models.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[p.ID] = p
	return nil
}

func (f *fakeStore) ResetPendingAll(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	changed := 0
	resetVideos := make(map[int64]bool)
	for _, p := range f.pages {
		if p.DownloadStatus.Completed() {
			continue
		}
		if p.DownloadStatus.ResetFailed() {
			changed++
			resetVideos[p.VideoID] = true
		}
	}
	for _, v := range f.videos {
		dirty := false
		if !v.DownloadStatus.Completed() {
			dirty = v.DownloadStatus.ResetFailed()
		}
		if resetVideos[v.ID] && v.DownloadStatus.Get(models.VideoSubTaskPages) != 0 {
			v.DownloadStatus.Set(models.VideoSubTaskPages, 0)
			dirty = true
		}
		if dirty {
			changed++
		}
	}
	return changed, nil
}

func (f *fakeStore) AddSource(ctx context.Context, src *models.VideoSource) error {
	f.addSource(src)
	return nil
}

func (f *fakeStore) RemoveSource(ctx context.Context, sourceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.sources {
		if s.ID == sourceID {
			f.sources = append(f.sources[:i], f.sources[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeStore) UpdateSource(ctx context.Context, src *models.VideoSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.sources {
		if s.ID == src.ID {
			f.sources[i] = src
			break
		}
	}
	return nil
}

func (f *fakeStore) SoftDeleteVideo(ctx context.Context, videoID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.softDeleted = append(f.softDeleted, videoID)
	if v, ok := f.videos[videoID]; ok {
		v.Deleted = true
	}
	return nil
}

// fakeClient is a RemoteClient with pluggable behavior per call.
type fakeClient struct {
	listFn     func(ctx context.Context, src *models.VideoSource, pn int) (bilibili.ListedPage, error)
	detailFn   func(ctx context.Context, bvid string) (*bilibili.VideoDetail, error)
	episodesFn func(ctx context.Context, seasonID int64) ([]bilibili.EpisodeInfo, error)
	streamFn   func(ctx context.Context, bvid string, cid int64) (bilibili.Stream, error)
	danmakuFn  func(ctx context.Context, cid int64) ([]byte, error)
	subsFn     func(ctx context.Context, bvid string, cid int64) ([]bilibili.Subtitle, error)
	fetchFn    func(ctx context.Context, url, dest string) error
}

var errFakeUnset = errors.New("fake call not configured")

func (f *fakeClient) ListVideos(ctx context.Context, src *models.VideoSource, pn int) (bilibili.ListedPage, error) {
	if f.listFn == nil {
		return bilibili.ListedPage{}, nil
	}
	return f.listFn(ctx, src, pn)
}

func (f *fakeClient) VideoDetail(ctx context.Context, bvid string) (*bilibili.VideoDetail, error) {
	if f.detailFn == nil {
		return nil, errFakeUnset
	}
	return f.detailFn(ctx, bvid)
}

func (f *fakeClient) SeriesEpisodes(ctx context.Context, seasonID int64) ([]bilibili.EpisodeInfo, error) {
	if f.episodesFn == nil {
		return nil, nil
	}
	return f.episodesFn(ctx, seasonID)
}

func (f *fakeClient) BestStream(ctx context.Context, bvid string, cid int64) (bilibili.Stream, error) {
	if f.streamFn == nil {
		return bilibili.Stream{URL: "https://cdn.example/" + bvid}, nil
	}
	return f.streamFn(ctx, bvid, cid)
}

func (f *fakeClient) Danmaku(ctx context.Context, cid int64) ([]byte, error) {
	if f.danmakuFn == nil {
		return []byte("<i></i>"), nil
	}
	return f.danmakuFn(ctx, cid)
}

func (f *fakeClient) Subtitles(ctx context.Context, bvid string, cid int64) ([]bilibili.Subtitle, error) {
	if f.subsFn == nil {
		return nil, nil
	}
	return f.subsFn(ctx, bvid, cid)
}

func (f *fakeClient) Fetch(ctx context.Context, url, dest string) error {
	if f.fetchFn == nil {
		return nil
	}
	return f.fetchFn(ctx, url, dest)
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		LibraryPath:       dir,
		ConcurrentVideos:  2,
		ConcurrentPages:   2,
		PageSize:          20,
		VideoNameTemplate: "{{.Title}}",
		PageNameTemplate:  "{{.Title}} - P{{.PID}}",
	}
}

func newTestSyncer(dir string, store Store, client RemoteClient, deletes DeleteSink) (*Syncer, *ScanState) {
	state := &ScanState{}
	if deletes == nil {
		deletes = nopDeletes{}
	}
	syncer, err := NewSyncer(testConfig(dir), store, client, deletes, state)
	if err != nil {
		panic(err)
	}
	return syncer, state
}

type nopDeletes struct{}

func (nopDeletes) EnqueueDelete(int64) {}

func daysAgo(n int) time.Time {
	return time.Now().Add(-time.Duration(n) * 24 * time.Hour).Truncate(time.Second)
}
