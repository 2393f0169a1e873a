package services

import (
	"context"
	"sync"

	"github.com/tonylu00/bili-sync-sub000/bilibili"
	"github.com/tonylu00/bili-sync-sub000/models"
)

// ScanCache carries the per-scan state that must not outlive one invocation:
// episode lists already fetched, attribution sources for re-attribution, and
// which owner artifacts were handled this cycle. It is owned by ScanAll and
// passed down explicitly.
type ScanCache struct {
	mu sync.Mutex

	episodes map[string][]bilibili.EpisodeInfo
	// submissionSources maps upper mid to the enabled submission source
	// mirroring that upper, for collaborative re-attribution.
	submissionSources map[int64]*models.VideoSource
	// ownerDone records owner ids whose avatar/info artifacts were fetched
	// this cycle, keyed by subtask name.
	ownerDone map[string]map[int64]*ownerOnce
}

type ownerOnce struct {
	once sync.Once
	err  error
}

func newScanCache(sources []*models.VideoSource) *ScanCache {
	c := &ScanCache{
		episodes:          make(map[string][]bilibili.EpisodeInfo),
		submissionSources: make(map[int64]*models.VideoSource),
		ownerDone:         make(map[string]map[int64]*ownerOnce),
	}
	for _, src := range sources {
		if src.Type == models.SourceSubmission && src.Enabled {
			c.submissionSources[src.RemoteID] = src
		}
	}
	return c
}

func (c *ScanCache) putEpisodes(seasonID string, eps []bilibili.EpisodeInfo) {
	c.mu.Lock()
	c.episodes[seasonID] = eps
	c.mu.Unlock()
}

func (c *ScanCache) getEpisodes(seasonID string) ([]bilibili.EpisodeInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	eps, ok := c.episodes[seasonID]
	return eps, ok
}

func (c *ScanCache) submissionSource(mid int64) (*models.VideoSource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.submissionSources[mid]
	return src, ok
}

// oncePerOwner runs fn at most once per (task, owner id) per scan; later
// callers for the same owner share the first outcome without refetching.
func (c *ScanCache) oncePerOwner(ctx context.Context, task string, mid int64, fn func(context.Context) error) error {
	c.mu.Lock()
	done, ok := c.ownerDone[task]
	if !ok {
		done = make(map[int64]*ownerOnce)
		c.ownerDone[task] = done
	}
	entry, ok := done[mid]
	if !ok {
		entry = &ownerOnce{}
		done[mid] = entry
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		entry.err = fn(ctx)
	})
	return entry.err
}
