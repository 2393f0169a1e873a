package services

import (
	"context"

	"github.com/tonylu00/bili-sync-sub000/bilibili"
	"github.com/tonylu00/bili-sync-sub000/models"
)

// Store is the persistence layer the sync engine runs against. The SQL
// implementation lives in the database package; tests use an in-memory fake.
type Store interface {
	ListEnabledSources(ctx context.Context) ([]*models.VideoSource, error)
	SaveSourceWatermark(ctx context.Context, src *models.VideoSource) error
	HasEpisodeCache(ctx context.Context, sourceID int64) (bool, error)
	SaveEpisodeCache(ctx context.Context, sourceID int64, cache []byte) error

	InsertVideos(ctx context.Context, videos []*models.Video) (int, error)
	UnenrichedVideos(ctx context.Context, src *models.VideoSource) ([]*models.Video, error)
	SaveVideoDetail(ctx context.Context, v *models.Video, pages []*models.Page) error
	MarkVideoInvalid(ctx context.Context, videoID int64) error

	PendingVideos(ctx context.Context, src *models.VideoSource) ([]*models.Video, error)
	VideosByID(ctx context.Context, ids []int64) ([]*models.Video, error)
	PagesOf(ctx context.Context, videoID int64) ([]*models.Page, error)
	KnownSeasonPages(ctx context.Context, seasonID string) (map[string]*models.Page, error)
	SaveVideoStatus(ctx context.Context, v *models.Video) error
	SavePageStatus(ctx context.Context, p *models.Page) error
	ResetPendingAll(ctx context.Context) (int, error)

	AddSource(ctx context.Context, src *models.VideoSource) error
	RemoveSource(ctx context.Context, sourceID int64) error
	UpdateSource(ctx context.Context, src *models.VideoSource) error
	SoftDeleteVideo(ctx context.Context, videoID int64) error
}

// RemoteClient is the remote listing/detail/stream surface the engine
// consumes. Every call observes the scan's cancellation signal through ctx
// and may return a classifiable error.
type RemoteClient interface {
	ListVideos(ctx context.Context, src *models.VideoSource, pn int) (bilibili.ListedPage, error)
	VideoDetail(ctx context.Context, bvid string) (*bilibili.VideoDetail, error)
	SeriesEpisodes(ctx context.Context, seasonID int64) ([]bilibili.EpisodeInfo, error)
	BestStream(ctx context.Context, bvid string, cid int64) (bilibili.Stream, error)
	Danmaku(ctx context.Context, cid int64) ([]byte, error)
	Subtitles(ctx context.Context, bvid string, cid int64) ([]bilibili.Subtitle, error)
	Fetch(ctx context.Context, url, dest string) error
}

// DeleteSink receives fire-and-forget deletion requests for videos the
// account cannot access (paid content without unlock).
type DeleteSink interface {
	EnqueueDelete(videoID int64)
}
