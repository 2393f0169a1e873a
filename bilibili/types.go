package bilibili

import (
	"encoding/json"
	"time"

	"github.com/tonylu00/bili-sync-sub000/models"
)

// response is the common envelope of every API endpoint.
type response struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Upper is the nominal uploader of a listed item.
type Upper struct {
	Mid  int64  `json:"mid"`
	Name string `json:"name"`
	Face string `json:"face"`
}

// VideoInfo is one item summary from a listing page.
type VideoInfo struct {
	Bvid    string
	Title   string
	Intro   string
	Cover   string
	Upper   Upper
	Ctime   time.Time
	Pubtime time.Time
	Favtime time.Time
	// Attr is nonzero when the remote flags the item as removed/unavailable
	// inside a favorites listing.
	Attr int64
	// Episodic fields, zero for ordinary uploads.
	SeasonID      string
	EpisodeNumber int
}

// ListedPage is one page of a newest-first listing.
type ListedPage struct {
	Items   []VideoInfo
	HasMore bool
}

// PageInfo is one downloadable part reported by the detail endpoint.
type PageInfo struct {
	Cid        int64  `json:"cid"`
	Page       int    `json:"page"`
	Name       string `json:"part"`
	Duration   uint32 `json:"duration"`
	FirstFrame string `json:"first_frame"`
}

// VideoDetail is the full view metadata of one video.
type VideoDetail struct {
	Bvid  string
	Title string
	Intro string
	Cover string
	Upper Upper
	Tags  []string
	Pages []PageInfo
	Staff []models.StaffInfo
	// Paid is set for exclusive content; Unlocked reports whether the current
	// account can actually access it.
	Paid     bool
	Unlocked bool
	Pubtime  time.Time
}

// EpisodeInfo is one episode of a series season.
type EpisodeInfo struct {
	Bvid          string
	Cid           int64
	Title         string
	EpisodeNumber int
	Duration      uint32
	Cover         string
	Pubtime       time.Time
}

// Stream is one encoded media stream with quality metadata.
type Stream struct {
	URL        string
	BackupURLs []string
	Quality    int
	Codec      string
}

// SubtitleLine is one cue of a remote subtitle document.
type SubtitleLine struct {
	From    float64 `json:"from"`
	To      float64 `json:"to"`
	Content string  `json:"content"`
}

// Subtitle is one language track with its resolved cues.
type Subtitle struct {
	Lan   string
	Lines []SubtitleLine
}
