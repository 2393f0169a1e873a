package services

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/tonylu00/bili-sync-sub000/config"
	"github.com/tonylu00/bili-sync-sub000/models"
)

func sanitizePath(name string) string {
	// Remove or replace characters that are problematic for filesystems
	// Specifically :, /, \, *, ?, ", <, >, |
	replacer := strings.NewReplacer(
		":", " -",
		"/", "-",
		"\\", "-",
		"*", "",
		"?", "",
		"\"", "",
		"<", "",
		">", "",
		"|", "-",
	)
	sanitized := replacer.Replace(name)
	// Remove trailing dots and spaces
	sanitized = strings.TrimRight(sanitized, ". ")
	return sanitized
}

// Renamer turns entity attributes into file-system names through the
// configured templates. The engine treats the rendered output as opaque.
type Renamer struct {
	videoTmpl *template.Template
	pageTmpl  *template.Template
}

func NewRenamer(cfg *config.Config) (*Renamer, error) {
	videoTmpl, err := template.New("video").Parse(cfg.VideoNameTemplate)
	if err != nil {
		return nil, fmt.Errorf("bad video name template: %w", err)
	}
	pageTmpl, err := template.New("page").Parse(cfg.PageNameTemplate)
	if err != nil {
		return nil, fmt.Errorf("bad page name template: %w", err)
	}
	return &Renamer{videoTmpl: videoTmpl, pageTmpl: pageTmpl}, nil
}

type videoNameContext struct {
	Title   string
	Bvid    string
	Upper   string
	UpperID int64
	PubDate string
	FavDate string
}

type pageNameContext struct {
	videoNameContext
	PID      int
	PageName string
}

func videoContext(v *models.Video) videoNameContext {
	return videoNameContext{
		Title:   v.Name,
		Bvid:    v.Bvid,
		Upper:   v.UpperName,
		UpperID: v.UpperID,
		PubDate: v.Pubtime.Format("2006-01-02"),
		FavDate: v.Favtime.Format("2006-01-02"),
	}
}

// VideoDirName renders the destination folder name for a video.
func (r *Renamer) VideoDirName(v *models.Video) (string, error) {
	var b strings.Builder
	if err := r.videoTmpl.Execute(&b, videoContext(v)); err != nil {
		return "", fmt.Errorf("failed to render video name: %w", err)
	}
	name := sanitizePath(b.String())
	if name == "" {
		name = v.Bvid
	}
	return name, nil
}

// PageFileName renders the base file name for one part, without extension.
func (r *Renamer) PageFileName(v *models.Video, p *models.Page) (string, error) {
	var b strings.Builder
	ctx := pageNameContext{videoNameContext: videoContext(v), PID: p.PID, PageName: p.Name}
	if err := r.pageTmpl.Execute(&b, ctx); err != nil {
		return "", fmt.Errorf("failed to render page name: %w", err)
	}
	name := sanitizePath(b.String())
	if name == "" {
		name = fmt.Sprintf("%s-p%d", v.Bvid, p.PID)
	}
	return name, nil
}

var mediaExtensions = map[string]bool{
	".mp4": true, ".flv": true, ".mkv": true, ".m4s": true, ".mov": true, ".webm": true,
}

// ResolveVideoDir picks a destination folder for the video under root. When
// the computed name already exists on disk but does not belong to this video,
// a unique name is derived by appending the publish date, then the stable id,
// then an incrementing numeric suffix, then a random suffix, so two different
// videos never silently merge into one folder.
func ResolveVideoDir(root, name string, v *models.Video) (string, error) {
	candidate := filepath.Join(root, name)
	if usableDir(candidate, v) {
		return candidate, nil
	}

	candidate = filepath.Join(root, fmt.Sprintf("%s-%s", name, v.Pubtime.Format("2006-01-02")))
	if usableDir(candidate, v) {
		return candidate, nil
	}

	candidate = filepath.Join(root, fmt.Sprintf("%s-%s", name, v.Bvid))
	if usableDir(candidate, v) {
		return candidate, nil
	}

	for i := 1; i <= 1000; i++ {
		candidate = filepath.Join(root, fmt.Sprintf("%s-%d", name, i))
		if usableDir(candidate, v) {
			return candidate, nil
		}
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate random suffix: %w", err)
	}
	return filepath.Join(root, fmt.Sprintf("%s-%s", name, hex.EncodeToString(suffix))), nil
}

// usableDir reports whether dir is free or already belongs to this video.
func usableDir(dir string, v *models.Video) bool {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return true
	}
	return dirBelongsToVideo(dir, v)
}

// dirBelongsToVideo inspects an existing folder to decide whether it holds
// this video's files: matched by stored path, normalized path, folder name,
// path suffix, or failing those, by a file carrying the video's stable id or
// any media file.
func dirBelongsToVideo(dir string, v *models.Video) bool {
	if v.Path != "" {
		switch {
		case v.Path == dir:
			return true
		case filepath.Clean(v.Path) == filepath.Clean(dir):
			return true
		case filepath.Base(v.Path) == filepath.Base(dir):
			return true
		case strings.HasSuffix(filepath.Clean(v.Path), string(filepath.Separator)+filepath.Base(dir)):
			return true
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if v.Bvid != "" && strings.Contains(name, v.Bvid) {
			return true
		}
		if mediaExtensions[strings.ToLower(filepath.Ext(name))] {
			return true
		}
	}
	return false
}
