package models

import "time"

// SourceType discriminates the five kinds of remote listing a VideoSource can
// mirror.
type SourceType string

const (
	SourceFavorite   SourceType = "favorite"
	SourceCollection SourceType = "collection"
	SourceSubmission SourceType = "submission"
	SourceWatchLater SourceType = "watch_later"
	SourceBangumi    SourceType = "bangumi"
)

// VideoSource identifies one remote listing to mirror into a local folder.
// Behavior differences between the variants are narrow (how rows are filtered
// and stamped), so a single struct with a type tag is used instead of an
// interface hierarchy.
type VideoSource struct {
	ID       int64      `json:"id"`
	Type     SourceType `json:"type"`
	RemoteID int64      `json:"remote_id"` // fid, collection id, upper mid, or season id
	Mid      int64      `json:"mid"`       // owning user for collections
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Enabled  bool       `json:"enabled"`
	// ScanDeleted includes items the remote previously reported removed.
	ScanDeleted bool `json:"scan_deleted"`
	// LatestRowAt is the watermark: publish time of the newest item already
	// ingested. It only ever moves forward.
	LatestRowAt time.Time `json:"latest_row_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// ShouldTake reports whether a remote item with the given publish time is
// newer than everything already ingested. Listings arrive newest-first, so
// the first false answer ends the scan window.
func (s *VideoSource) ShouldTake(pubTime time.Time) bool {
	return pubTime.After(s.LatestRowAt)
}

// AdvanceWatermark moves the watermark forward to t. Moves backward are
// ignored so a pathological page ordering can never regress the cursor.
func (s *VideoSource) AdvanceWatermark(t time.Time) bool {
	if !t.After(s.LatestRowAt) {
		return false
	}
	s.LatestRowAt = t
	return true
}

// StampOwnership records which source a newly discovered video belongs to.
func (s *VideoSource) StampOwnership(v *Video) {
	v.SourceType = s.Type
	v.SourceID = s.ID
}

// IsEpisodic reports whether the source mirrors an episodic series rather
// than a flat listing.
func (s *VideoSource) IsEpisodic() bool {
	return s.Type == SourceBangumi
}
