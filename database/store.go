package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tonylu00/bili-sync-sub000/models"
)

// Store is the SQL-backed persistence layer consumed by the sync engine.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const videoColumns = `id, source_type, source_id, bvid, name, upper_id, upper_name, upper_face,
	intro, cover, path, tags, single_page, valid, deleted, season_id, season_number,
	episode_number, staff, ctime, pubtime, favtime, download_status, created_at`

func scanVideo(row interface{ Scan(...any) error }) (*models.Video, error) {
	var (
		v          models.Video
		tags       []byte
		staff      []byte
		singlePage sql.NullBool
		seasonID   sql.NullString
		seasonNum  sql.NullInt64
		episodeNum sql.NullInt64
		status     int64
	)
	err := row.Scan(&v.ID, &v.SourceType, &v.SourceID, &v.Bvid, &v.Name, &v.UpperID,
		&v.UpperName, &v.UpperFace, &v.Intro, &v.Cover, &v.Path, &tags, &singlePage,
		&v.Valid, &v.Deleted, &seasonID, &seasonNum, &episodeNum, &staff,
		&v.Ctime, &v.Pubtime, &v.Favtime, &status, &v.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &v.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for video %d: %w", v.ID, err)
		}
	}
	if len(staff) > 0 {
		if err := json.Unmarshal(staff, &v.Staff); err != nil {
			return nil, fmt.Errorf("failed to decode staff for video %d: %w", v.ID, err)
		}
	}
	if singlePage.Valid {
		b := singlePage.Bool
		v.SinglePage = &b
	}
	if seasonID.Valid {
		s := seasonID.String
		v.SeasonID = &s
	}
	if seasonNum.Valid {
		n := int(seasonNum.Int64)
		v.SeasonNumber = &n
	}
	if episodeNum.Valid {
		n := int(episodeNum.Int64)
		v.EpisodeNumber = &n
	}
	v.DownloadStatus = models.StatusFromUint32(uint32(status))
	return &v, nil
}

func (s *Store) queryVideos(ctx context.Context, where string, args ...any) ([]*models.Video, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+videoColumns+" FROM videos WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// ListEnabledSources returns every enabled source.
func (s *Store) ListEnabledSources(ctx context.Context) ([]*models.VideoSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, remote_id, mid, name, path, enabled, scan_deleted, latest_row_at, created_at
		FROM video_sources WHERE enabled = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.VideoSource
	for rows.Next() {
		var src models.VideoSource
		if err := rows.Scan(&src.ID, &src.Type, &src.RemoteID, &src.Mid, &src.Name, &src.Path,
			&src.Enabled, &src.ScanDeleted, &src.LatestRowAt, &src.CreatedAt); err != nil {
			return nil, err
		}
		sources = append(sources, &src)
	}
	return sources, rows.Err()
}

// SaveSourceWatermark persists the (already advanced) watermark of src.
func (s *Store) SaveSourceWatermark(ctx context.Context, src *models.VideoSource) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE video_sources SET latest_row_at = $1 WHERE id = $2 AND latest_row_at <= $1`,
		src.LatestRowAt, src.ID)
	return err
}

// HasEpisodeCache reports whether the denormalized episode list of an
// episodic source has ever been stored.
func (s *Store) HasEpisodeCache(ctx context.Context, sourceID int64) (bool, error) {
	var has bool
	err := s.db.QueryRowContext(ctx,
		`SELECT episode_cache IS NOT NULL FROM video_sources WHERE id = $1`, sourceID).Scan(&has)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return has, err
}

// SaveEpisodeCache replaces the denormalized episode list of a source.
func (s *Store) SaveEpisodeCache(ctx context.Context, sourceID int64, cache []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE video_sources SET episode_cache = $1 WHERE id = $2`, cache, sourceID)
	return err
}

// InsertVideos inserts a batch of discovered videos and returns how many were
// actually new. The unique constraint is the source of truth for newness, so
// the count comes from the row-count delta of the insert, not from the input.
func (s *Store) InsertVideos(ctx context.Context, videos []*models.Video) (int, error) {
	if len(videos) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin insert: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, v := range videos {
		tags, err := json.Marshal(v.Tags)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO videos (source_type, source_id, bvid, name, upper_id, upper_name,
				upper_face, intro, cover, tags, valid, season_id, season_number,
				episode_number, ctime, pubtime, favtime, download_status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,0)
			ON CONFLICT (source_type, source_id, bvid) DO NOTHING`,
			v.SourceType, v.SourceID, v.Bvid, v.Name, v.UpperID, v.UpperName,
			v.UpperFace, v.Intro, v.Cover, tags, v.Valid, v.SeasonID, v.SeasonNumber,
			v.EpisodeNumber, v.Ctime, v.Pubtime, v.Favtime)
		if err != nil {
			return 0, fmt.Errorf("failed to insert video %s: %w", v.Bvid, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit insert: %w", err)
	}
	return inserted, nil
}

// UnenrichedVideos returns videos of one source still waiting for detail
// enrichment.
func (s *Store) UnenrichedVideos(ctx context.Context, src *models.VideoSource) ([]*models.Video, error) {
	return s.queryVideos(ctx,
		`source_type = $1 AND source_id = $2 AND single_page IS NULL AND valid = TRUE AND deleted = FALSE`,
		src.Type, src.ID)
}

// SaveVideoDetail persists enrichment output: updated video fields plus its
// pages, in one transaction.
func (s *Store) SaveVideoDetail(ctx context.Context, v *models.Video, pages []*models.Page) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin detail update: %w", err)
	}
	defer tx.Rollback()

	tags, err := json.Marshal(v.Tags)
	if err != nil {
		return err
	}
	staff, err := json.Marshal(v.Staff)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE videos SET name = $1, upper_id = $2, upper_name = $3, upper_face = $4,
			intro = $5, cover = $6, tags = $7, staff = $8, single_page = $9
		WHERE id = $10`,
		v.Name, v.UpperID, v.UpperName, v.UpperFace, v.Intro, v.Cover, tags, staff,
		v.SinglePage, v.ID)
	if err != nil {
		return fmt.Errorf("failed to update video %d: %w", v.ID, err)
	}

	for _, p := range pages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pages (video_id, cid, pid, name, duration, image, download_status)
			VALUES ($1,$2,$3,$4,$5,$6,0)
			ON CONFLICT (video_id, cid) DO NOTHING`,
			v.ID, p.Cid, p.PID, p.Name, p.Duration, p.Image)
		if err != nil {
			return fmt.Errorf("failed to insert page cid %d: %w", p.Cid, err)
		}
	}

	return tx.Commit()
}

// MarkVideoInvalid flags a video the remote no longer resolves so it is not
// retried indefinitely.
func (s *Store) MarkVideoInvalid(ctx context.Context, videoID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE videos SET valid = FALSE WHERE id = $1`, videoID)
	return err
}

// PendingVideos returns enriched videos of one source with at least one
// eligible subtask.
func (s *Store) PendingVideos(ctx context.Context, src *models.VideoSource) ([]*models.Video, error) {
	videos, err := s.queryVideos(ctx,
		`source_type = $1 AND source_id = $2 AND single_page IS NOT NULL AND valid = TRUE
			AND deleted = FALSE AND download_status <> $3`,
		src.Type, src.ID, int64(models.PackedOK))
	if err != nil {
		return nil, err
	}

	pending := videos[:0]
	for _, v := range videos {
		if v.DownloadStatus.ShouldRunAny() {
			pending = append(pending, v)
		}
	}
	return pending, nil
}

// VideosByID loads specific videos; used by the retry sweep.
func (s *Store) VideosByID(ctx context.Context, ids []int64) ([]*models.Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return s.queryVideos(ctx, "id IN ("+strings.Join(placeholders, ",")+")", args...)
}

// PagesOf returns the pages of one video ordered by part number.
func (s *Store) PagesOf(ctx context.Context, videoID int64) ([]*models.Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, video_id, cid, pid, name, duration, path, image, download_status, created_at
		FROM pages WHERE video_id = $1 ORDER BY pid`, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	defer rows.Close()

	var pages []*models.Page
	for rows.Next() {
		var (
			p      models.Page
			status int64
		)
		if err := rows.Scan(&p.ID, &p.VideoID, &p.Cid, &p.PID, &p.Name, &p.Duration,
			&p.Path, &p.Image, &status, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.DownloadStatus = models.StatusFromUint32(uint32(status))
		pages = append(pages, &p)
	}
	return pages, rows.Err()
}

// KnownSeasonPages returns the parts already persisted for a season, keyed
// by bvid, so episodic enrichment only calls the remote for identifiers
// missing locally.
func (s *Store) KnownSeasonPages(ctx context.Context, seasonID string) (map[string]*models.Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.bvid, p.cid, p.pid, p.name, p.duration, p.image
		FROM pages p JOIN videos v ON p.video_id = v.id
		WHERE v.season_id = $1`, seasonID)
	if err != nil {
		return nil, fmt.Errorf("failed to query season pages: %w", err)
	}
	defer rows.Close()

	known := make(map[string]*models.Page)
	for rows.Next() {
		var (
			bvid string
			p    models.Page
		)
		if err := rows.Scan(&bvid, &p.Cid, &p.PID, &p.Name, &p.Duration, &p.Image); err != nil {
			return nil, err
		}
		known[bvid] = &p
	}
	return known, rows.Err()
}

// SaveVideoStatus persists a video's status and resolved path after one
// download cycle.
func (s *Store) SaveVideoStatus(ctx context.Context, v *models.Video) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE videos SET download_status = $1, path = $2 WHERE id = $3`,
		int64(v.DownloadStatus.Uint32()), v.Path, v.ID)
	return err
}

// SavePageStatus persists a page's status and resolved path.
func (s *Store) SavePageStatus(ctx context.Context, p *models.Page) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pages SET download_status = $1, path = $2 WHERE id = $3`,
		int64(p.DownloadStatus.Uint32()), p.Path, p.ID)
	return err
}

// ResetPendingAll is the global recovery sweep after a risk control abort:
// for every video and page not fully successful, subtasks that are not done
// go back to untouched. A reset page also forces the owning video's
// pages-complete subtask back to untouched. Returns how many rows changed.
func (s *Store) ResetPendingAll(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin recovery sweep: %w", err)
	}
	defer tx.Rollback()

	changed := 0
	resetVideos := make(map[int64]bool)

	rows, err := tx.QueryContext(ctx,
		`SELECT id, video_id, download_status FROM pages WHERE download_status <> $1`,
		int64(models.PackedOK))
	if err != nil {
		return 0, fmt.Errorf("failed to query pending pages: %w", err)
	}
	type pendingRow struct {
		id, parent int64
		status     models.DownloadStatus
	}
	var pendingPages []pendingRow
	for rows.Next() {
		var r pendingRow
		var status int64
		if err := rows.Scan(&r.id, &r.parent, &status); err != nil {
			rows.Close()
			return 0, err
		}
		r.status = models.StatusFromUint32(uint32(status))
		pendingPages = append(pendingPages, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, r := range pendingPages {
		if !r.status.ResetFailed() {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE pages SET download_status = $1 WHERE id = $2`,
			int64(r.status.Uint32()), r.id); err != nil {
			return 0, err
		}
		changed++
		resetVideos[r.parent] = true
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT id, download_status FROM videos WHERE download_status <> $1`,
		int64(models.PackedOK))
	if err != nil {
		return 0, fmt.Errorf("failed to query pending videos: %w", err)
	}
	var pendingVideos []pendingRow
	for rows.Next() {
		var r pendingRow
		var status int64
		if err := rows.Scan(&r.id, &status); err != nil {
			rows.Close()
			return 0, err
		}
		r.status = models.StatusFromUint32(uint32(status))
		pendingVideos = append(pendingVideos, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	seen := make(map[int64]bool, len(pendingVideos))
	for _, r := range pendingVideos {
		seen[r.id] = true
		dirty := r.status.ResetFailed()
		if resetVideos[r.id] && r.status.Get(models.VideoSubTaskPages) != 0 {
			r.status.Set(models.VideoSubTaskPages, 0)
			dirty = true
		}
		if !dirty {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE videos SET download_status = $1 WHERE id = $2`,
			int64(r.status.Uint32()), r.id); err != nil {
			return 0, err
		}
		changed++
	}

	// Fully successful videos whose pages were reset still need their
	// pages-complete subtask reopened.
	for id := range resetVideos {
		if seen[id] {
			continue
		}
		var status int64
		if err := tx.QueryRowContext(ctx,
			`SELECT download_status FROM videos WHERE id = $1`, id).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return 0, err
		}
		st := models.StatusFromUint32(uint32(status))
		st.Set(models.VideoSubTaskPages, 0)
		if _, err := tx.ExecContext(ctx,
			`UPDATE videos SET download_status = $1 WHERE id = $2`,
			int64(st.Uint32()), id); err != nil {
			return 0, err
		}
		changed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit recovery sweep: %w", err)
	}
	return changed, nil
}

// AddSource creates a source; used by the mutation drain.
func (s *Store) AddSource(ctx context.Context, src *models.VideoSource) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO video_sources (type, remote_id, mid, name, path, enabled, scan_deleted)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (type, remote_id) DO UPDATE SET enabled = EXCLUDED.enabled
		RETURNING id`,
		src.Type, src.RemoteID, src.Mid, src.Name, src.Path, src.Enabled, src.ScanDeleted).
		Scan(&src.ID)
}

// RemoveSource deletes a source and hard-deletes videos not shared with any
// other source. Videos always belong to exactly one source, so the cascade is
// a straight delete here.
func (s *Store) RemoveSource(ctx context.Context, sourceID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var srcType models.SourceType
	if err := tx.QueryRowContext(ctx,
		`SELECT type FROM video_sources WHERE id = $1`, sourceID).Scan(&srcType); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM videos WHERE source_type = $1 AND source_id = $2`, srcType, sourceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM video_sources WHERE id = $1`, sourceID); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateSource applies a configuration change to an existing source.
func (s *Store) UpdateSource(ctx context.Context, src *models.VideoSource) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE video_sources SET name = $1, path = $2, enabled = $3, scan_deleted = $4
		WHERE id = $5`,
		src.Name, src.Path, src.Enabled, src.ScanDeleted, src.ID)
	return err
}

// SoftDeleteVideo marks a video deleted without removing the row; used by the
// paid-content deletion sink and administrator requests.
func (s *Store) SoftDeleteVideo(ctx context.Context, videoID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE videos SET deleted = TRUE WHERE id = $1`, videoID)
	return err
}
