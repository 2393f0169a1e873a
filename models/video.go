package models

import "time"

// StaffInfo is one collaborator credited on a video, kept raw so attribution
// can be recomputed later.
type StaffInfo struct {
	Mid   int64  `json:"mid"`
	Title string `json:"title"`
	Name  string `json:"name"`
	Face  string `json:"face"`
}

// Video is one unit of content belonging to exactly one source at creation
// time.
type Video struct {
	ID         int64      `json:"id"`
	SourceType SourceType `json:"source_type"`
	SourceID   int64      `json:"source_id"`
	Bvid       string     `json:"bvid"`
	Name       string     `json:"name"`
	UpperID    int64      `json:"upper_id"`
	UpperName  string     `json:"upper_name"`
	UpperFace  string     `json:"upper_face"`
	Intro      string     `json:"intro"`
	Cover      string     `json:"cover"`
	Path       string     `json:"path"`
	Tags       []string   `json:"tags"`
	// SinglePage is nil until detail enrichment has run.
	SinglePage *bool `json:"single_page"`
	// Valid flips to false once the remote reports the video unresolvable.
	Valid   bool `json:"valid"`
	Deleted bool `json:"deleted"`
	// Episodic linkage, nil for ordinary uploads.
	SeasonID      *string `json:"season_id,omitempty"`
	SeasonNumber  *int    `json:"season_number,omitempty"`
	EpisodeNumber *int    `json:"episode_number,omitempty"`
	// Staff is the raw collaborator list used for re-attribution.
	Staff []StaffInfo `json:"staff,omitempty"`

	Ctime   time.Time `json:"ctime"`
	Pubtime time.Time `json:"pubtime"`
	Favtime time.Time `json:"favtime"`

	DownloadStatus DownloadStatus `json:"download_status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Enriched reports whether detail enrichment has filled in this video.
func (v *Video) Enriched() bool {
	return v.SinglePage != nil
}

// Page is one downloadable part of a video. Most videos have exactly one.
type Page struct {
	ID       int64  `json:"id"`
	VideoID  int64  `json:"video_id"`
	Cid      int64  `json:"cid"`
	PID      int    `json:"pid"` // ordinal within the video, 1-based
	Name     string `json:"name"`
	Duration uint32 `json:"duration"`
	Path     string `json:"path"`
	Image    string `json:"image"`

	DownloadStatus DownloadStatus `json:"download_status"`
	CreatedAt      time.Time      `json:"created_at"`
}
