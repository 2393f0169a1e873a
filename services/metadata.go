package services

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tonylu00/bili-sync-sub000/bilibili"
	"github.com/tonylu00/bili-sync-sub000/models"
)

// Emby/Jellyfin-compatible sidecar documents. Failures here count as normal
// subtask failures, nothing special.

type movieNFO struct {
	XMLName   xml.Name `xml:"movie"`
	Title     string   `xml:"title"`
	Plot      string   `xml:"plot"`
	Premiered string   `xml:"premiered"`
	UniqueID  nfoID    `xml:"uniqueid"`
	Tags      []string `xml:"tag"`
	Actors    []actor  `xml:"actor"`
}

type episodeNFO struct {
	XMLName xml.Name `xml:"episodedetails"`
	Title   string   `xml:"title"`
	Season  int      `xml:"season"`
	Episode int      `xml:"episode"`
	Plot    string   `xml:"plot"`
	Aired   string   `xml:"aired"`
	UniqueID nfoID   `xml:"uniqueid"`
}

type personNFO struct {
	XMLName  xml.Name `xml:"person"`
	Name     string   `xml:"name"`
	UniqueID nfoID    `xml:"uniqueid"`
}

type nfoID struct {
	Type    string `xml:"type,attr"`
	Default bool   `xml:"default,attr"`
	Value   string `xml:",chardata"`
}

type actor struct {
	Name string `xml:"name"`
	Role string `xml:"role"`
}

// WriteVideoNFO writes the video-level sidecar descriptor.
func WriteVideoNFO(v *models.Video, dest string) error {
	doc := movieNFO{
		Title:     v.Name,
		Plot:      v.Intro,
		Premiered: v.Pubtime.Format("2006-01-02"),
		UniqueID:  nfoID{Type: "bilibili", Default: true, Value: v.Bvid},
		Tags:      v.Tags,
	}
	doc.Actors = append(doc.Actors, actor{Name: v.UpperName, Role: "upper"})
	for _, collab := range v.Staff {
		if collab.Mid == v.UpperID {
			continue
		}
		doc.Actors = append(doc.Actors, actor{Name: collab.Name, Role: collab.Title})
	}
	return writeNFO(doc, dest)
}

// WritePageNFO writes the part-level sidecar descriptor.
func WritePageNFO(v *models.Video, p *models.Page, dest string) error {
	season := 1
	if v.SeasonNumber != nil {
		season = *v.SeasonNumber
	}
	episode := p.PID
	if v.EpisodeNumber != nil {
		episode = *v.EpisodeNumber
	}
	doc := episodeNFO{
		Title:    p.Name,
		Season:   season,
		Episode:  episode,
		Plot:     v.Intro,
		Aired:    v.Pubtime.Format("2006-01-02"),
		UniqueID: nfoID{Type: "bilibili", Default: true, Value: fmt.Sprintf("%d", p.Cid)},
	}
	return writeNFO(doc, dest)
}

// WriteUpperNFO writes the attribution sidecar for one uploader.
func WriteUpperNFO(mid int64, name, dest string) error {
	doc := personNFO{
		Name:     name,
		UniqueID: nfoID{Type: "bilibili", Default: true, Value: fmt.Sprintf("%d", mid)},
	}
	return writeNFO(doc, dest)
}

func writeNFO(doc any, dest string) error {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal nfo: %w", err)
	}
	return writeFileAtomic(dest, append([]byte(xml.Header), body...))
}

// WriteSubtitles converts remote subtitle tracks to SRT files next to the
// media, one per language.
func WriteSubtitles(subs []bilibili.Subtitle, base string) error {
	for _, sub := range subs {
		var b []byte
		for i, line := range sub.Lines {
			b = append(b, fmt.Sprintf("%d\n%s --> %s\n%s\n\n",
				i+1, srtTimestamp(line.From), srtTimestamp(line.To), line.Content)...)
		}
		if len(b) == 0 {
			continue
		}
		if err := writeFileAtomic(fmt.Sprintf("%s.%s.srt", base, sub.Lan), b); err != nil {
			return err
		}
	}
	return nil
}

func srtTimestamp(seconds float64) string {
	millis := int64(seconds * 1000)
	h := millis / 3600000
	m := millis % 3600000 / 60000
	s := millis % 60000 / 1000
	ms := millis % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// writeFileAtomic writes through a temp file in the destination directory so
// readers never observe a half-written sidecar.
func writeFileAtomic(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".sidecar-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", dest, err)
	}
	return nil
}
