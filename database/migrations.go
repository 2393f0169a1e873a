package database

import (
	"fmt"
)

func RunMigrations() error {
	sourcesTableSQL := `
	CREATE TABLE IF NOT EXISTS video_sources (
		id SERIAL PRIMARY KEY,
		type VARCHAR(20) NOT NULL,
		remote_id BIGINT NOT NULL,
		mid BIGINT DEFAULT 0,
		name VARCHAR(255) NOT NULL,
		path TEXT NOT NULL,
		enabled BOOLEAN DEFAULT TRUE,
		scan_deleted BOOLEAN DEFAULT FALSE,
		latest_row_at TIMESTAMP DEFAULT 'epoch',
		episode_cache JSONB,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (type, remote_id)
	);
	`
	if _, err := DB.Exec(sourcesTableSQL); err != nil {
		return fmt.Errorf("failed to run video_sources migration: %w", err)
	}

	videosTableSQL := `
	CREATE TABLE IF NOT EXISTS videos (
		id SERIAL PRIMARY KEY,
		source_type VARCHAR(20) NOT NULL,
		source_id BIGINT NOT NULL,
		bvid VARCHAR(20) NOT NULL,
		name TEXT NOT NULL,
		upper_id BIGINT DEFAULT 0,
		upper_name VARCHAR(255) DEFAULT '',
		upper_face TEXT DEFAULT '',
		intro TEXT DEFAULT '',
		cover TEXT DEFAULT '',
		path TEXT DEFAULT '',
		tags JSONB,
		single_page BOOLEAN,
		valid BOOLEAN DEFAULT TRUE,
		deleted BOOLEAN DEFAULT FALSE,
		season_id VARCHAR(40),
		season_number INTEGER,
		episode_number INTEGER,
		staff JSONB,
		ctime TIMESTAMP DEFAULT 'epoch',
		pubtime TIMESTAMP DEFAULT 'epoch',
		favtime TIMESTAMP DEFAULT 'epoch',
		download_status BIGINT DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (source_type, source_id, bvid)
	);
	CREATE INDEX IF NOT EXISTS idx_videos_source ON videos (source_type, source_id);
	CREATE INDEX IF NOT EXISTS idx_videos_season ON videos (season_id);
	`
	if _, err := DB.Exec(videosTableSQL); err != nil {
		return fmt.Errorf("failed to run videos migration: %w", err)
	}

	pagesTableSQL := `
	CREATE TABLE IF NOT EXISTS pages (
		id SERIAL PRIMARY KEY,
		video_id BIGINT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		cid BIGINT NOT NULL,
		pid INTEGER NOT NULL,
		name TEXT NOT NULL,
		duration BIGINT DEFAULT 0,
		path TEXT DEFAULT '',
		image TEXT DEFAULT '',
		download_status BIGINT DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (video_id, cid)
	);
	CREATE INDEX IF NOT EXISTS idx_pages_video ON pages (video_id);
	`
	if _, err := DB.Exec(pagesTableSQL); err != nil {
		return fmt.Errorf("failed to run pages migration: %w", err)
	}

	return nil
}
