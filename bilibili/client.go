package bilibili

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/tonylu00/bili-sync-sub000/models"
	"github.com/tonylu00/bili-sync-sub000/shared/format"
	sharedhttp "github.com/tonylu00/bili-sync-sub000/shared/http"
)

const (
	apiBase = "https://api.bilibili.com"
	referer = "https://www.bilibili.com"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// Client talks to the Bilibili web API on behalf of one logged-in account.
type Client struct {
	http     *http.Client
	media    *http.Client
	cookie   string
	pageSize int
}

// NewClient builds a client from the account cookie string (SESSDATA and
// friends).
func NewClient(cookie string, pageSize int) *Client {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Client{
		http:     sharedhttp.DefaultClient,
		media:    sharedhttp.MediaClient,
		cookie:   cookie,
		pageSize: pageSize,
	}
}

func (c *Client) headers() map[string]string {
	h := map[string]string{
		"User-Agent": userAgent,
		"Referer":    referer,
	}
	if c.cookie != "" {
		h["Cookie"] = c.cookie
	}
	return h
}

// get performs one API call and unmarshals the data payload into out.
func (c *Client) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	apiURL := sharedhttp.BuildQueryURL(apiBase+path, params)
	resp, err := sharedhttp.MakeRequest(ctx, apiURL, c.http, c.headers())
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return &StatusError{StatusCode: resp.StatusCode, URL: apiURL}
	}

	var envelope response
	if err := sharedhttp.DecodeJSONResponse(resp, &envelope); err != nil {
		return err
	}
	if envelope.Code != 0 {
		return &APIError{Code: envelope.Code, Message: envelope.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", path, err)
	}
	return nil
}

// ListVideos fetches one page of the source's remote listing, newest first.
// Page numbers are 1-based.
func (c *Client) ListVideos(ctx context.Context, src *models.VideoSource, pn int) (ListedPage, error) {
	switch src.Type {
	case models.SourceFavorite:
		return c.listFavorites(ctx, src.RemoteID, pn)
	case models.SourceCollection:
		return c.listCollection(ctx, src.Mid, src.RemoteID, pn)
	case models.SourceSubmission:
		return c.listSubmissions(ctx, src.RemoteID, pn)
	case models.SourceWatchLater:
		return c.listWatchLater(ctx, pn)
	case models.SourceBangumi:
		return c.listSeason(ctx, src.RemoteID, pn)
	}
	return ListedPage{}, fmt.Errorf("unknown source type %q", src.Type)
}

type favMedia struct {
	Bvid  string `json:"bvid"`
	Title string `json:"title"`
	Intro string `json:"intro"`
	Cover string `json:"cover"`
	Attr  int64  `json:"attr"`
	Upper Upper  `json:"upper"`
	Ctime int64  `json:"ctime"`
	// pubtime for favorites listings, favtime for toview
	Pubtime int64 `json:"pubtime"`
	FavTime int64 `json:"fav_time"`
}

func (m favMedia) toVideoInfo() VideoInfo {
	return VideoInfo{
		Bvid:    m.Bvid,
		Title:   m.Title,
		Intro:   m.Intro,
		Cover:   m.Cover,
		Upper:   m.Upper,
		Attr:    m.Attr,
		Ctime:   time.Unix(m.Ctime, 0),
		Pubtime: time.Unix(m.Pubtime, 0),
		Favtime: time.Unix(m.FavTime, 0),
	}
}

func (c *Client) listFavorites(ctx context.Context, mediaID int64, pn int) (ListedPage, error) {
	var data struct {
		Medias  []favMedia `json:"medias"`
		HasMore bool       `json:"has_more"`
	}
	err := c.get(ctx, "/x/v3/fav/resource/list", map[string]string{
		"media_id": strconv.FormatInt(mediaID, 10),
		"pn":       strconv.Itoa(pn),
		"ps":       strconv.Itoa(c.pageSize),
		"order":    "mtime",
	}, &data)
	if err != nil {
		return ListedPage{}, err
	}

	page := ListedPage{HasMore: data.HasMore}
	for _, m := range data.Medias {
		page.Items = append(page.Items, m.toVideoInfo())
	}
	return page, nil
}

func (c *Client) listCollection(ctx context.Context, mid, seasonID int64, pn int) (ListedPage, error) {
	var data struct {
		Archives []struct {
			Bvid    string `json:"bvid"`
			Title   string `json:"title"`
			Pic     string `json:"pic"`
			Ctime   int64  `json:"ctime"`
			Pubdate int64  `json:"pubdate"`
		} `json:"archives"`
		Page struct {
			PageNum  int `json:"page_num"`
			PageSize int `json:"page_size"`
			Total    int `json:"total"`
		} `json:"page"`
	}
	err := c.get(ctx, "/x/polymer/web-space/seasons_archives_list", map[string]string{
		"mid":       strconv.FormatInt(mid, 10),
		"season_id": strconv.FormatInt(seasonID, 10),
		"page_num":  strconv.Itoa(pn),
		"page_size": strconv.Itoa(c.pageSize),
		"sort_reverse": "false",
	}, &data)
	if err != nil {
		return ListedPage{}, err
	}

	page := ListedPage{HasMore: pn*c.pageSize < data.Page.Total}
	for _, a := range data.Archives {
		page.Items = append(page.Items, VideoInfo{
			Bvid:    a.Bvid,
			Title:   a.Title,
			Cover:   a.Pic,
			Ctime:   time.Unix(a.Ctime, 0),
			Pubtime: time.Unix(a.Pubdate, 0),
		})
	}
	// The endpoint serves oldest-first when not reversed; the engine expects
	// newest-first.
	sort.SliceStable(page.Items, func(i, j int) bool {
		return page.Items[i].Pubtime.After(page.Items[j].Pubtime)
	})
	return page, nil
}

func (c *Client) listSubmissions(ctx context.Context, mid int64, pn int) (ListedPage, error) {
	var data struct {
		List struct {
			Vlist []struct {
				Bvid        string `json:"bvid"`
				Title       string `json:"title"`
				Description string `json:"description"`
				Pic         string `json:"pic"`
				Author      string `json:"author"`
				Mid         int64  `json:"mid"`
				Created     int64  `json:"created"`
			} `json:"vlist"`
		} `json:"list"`
		Page struct {
			Pn    int `json:"pn"`
			Ps    int `json:"ps"`
			Count int `json:"count"`
		} `json:"page"`
	}
	err := c.get(ctx, "/x/space/arc/search", map[string]string{
		"mid":   strconv.FormatInt(mid, 10),
		"pn":    strconv.Itoa(pn),
		"ps":    strconv.Itoa(c.pageSize),
		"order": "pubdate",
	}, &data)
	if err != nil {
		return ListedPage{}, err
	}

	page := ListedPage{HasMore: pn*c.pageSize < data.Page.Count}
	for _, v := range data.List.Vlist {
		page.Items = append(page.Items, VideoInfo{
			Bvid:    v.Bvid,
			Title:   v.Title,
			Intro:   v.Description,
			Cover:   v.Pic,
			Upper:   Upper{Mid: v.Mid, Name: v.Author},
			Ctime:   time.Unix(v.Created, 0),
			Pubtime: time.Unix(v.Created, 0),
		})
	}
	return page, nil
}

func (c *Client) listWatchLater(ctx context.Context, pn int) (ListedPage, error) {
	var data struct {
		List []struct {
			Bvid    string `json:"bvid"`
			Title   string `json:"title"`
			Desc    string `json:"desc"`
			Pic     string `json:"pic"`
			Owner   Upper  `json:"owner"`
			Ctime   int64  `json:"ctime"`
			Pubdate int64  `json:"pubdate"`
			AddAt   int64  `json:"add_at"`
		} `json:"list"`
	}
	// toview is a single unbounded listing; serve it as one page.
	if pn > 1 {
		return ListedPage{}, nil
	}
	err := c.get(ctx, "/x/v2/history/toview", nil, &data)
	if err != nil {
		return ListedPage{}, err
	}

	var page ListedPage
	for _, v := range data.List {
		page.Items = append(page.Items, VideoInfo{
			Bvid:    v.Bvid,
			Title:   v.Title,
			Intro:   v.Desc,
			Cover:   v.Pic,
			Upper:   v.Owner,
			Ctime:   time.Unix(v.Ctime, 0),
			Pubtime: time.Unix(v.Pubdate, 0),
			Favtime: time.Unix(v.AddAt, 0),
		})
	}
	return page, nil
}

func (c *Client) listSeason(ctx context.Context, seasonID int64, pn int) (ListedPage, error) {
	if pn > 1 {
		return ListedPage{}, nil
	}
	episodes, err := c.SeriesEpisodes(ctx, seasonID)
	if err != nil {
		return ListedPage{}, err
	}

	var page ListedPage
	sid := strconv.FormatInt(seasonID, 10)
	for _, ep := range episodes {
		page.Items = append(page.Items, VideoInfo{
			Bvid:          ep.Bvid,
			Title:         ep.Title,
			Cover:         ep.Cover,
			Ctime:         ep.Pubtime,
			Pubtime:       ep.Pubtime,
			SeasonID:      sid,
			EpisodeNumber: ep.EpisodeNumber,
		})
	}
	sort.SliceStable(page.Items, func(i, j int) bool {
		return page.Items[i].Pubtime.After(page.Items[j].Pubtime)
	})
	return page, nil
}

// SeriesEpisodes fetches the episode list of a season. One call covers every
// item of the series, which is why enrichment batches episodic videos per
// season.
func (c *Client) SeriesEpisodes(ctx context.Context, seasonID int64) ([]EpisodeInfo, error) {
	var data struct {
		Episodes []struct {
			Bvid     string `json:"bvid"`
			Cid      int64  `json:"cid"`
			Title    string `json:"title"`
			LongTitle string `json:"long_title"`
			Cover    string `json:"cover"`
			Duration int64  `json:"duration"` // milliseconds
			PubTime  int64  `json:"pub_time"`
		} `json:"episodes"`
	}
	err := c.get(ctx, "/pgc/view/web/season", map[string]string{
		"season_id": strconv.FormatInt(seasonID, 10),
	}, &data)
	if err != nil {
		return nil, err
	}

	episodes := make([]EpisodeInfo, 0, len(data.Episodes))
	for i, ep := range data.Episodes {
		title := ep.LongTitle
		if title == "" {
			title = ep.Title
		}
		episodes = append(episodes, EpisodeInfo{
			Bvid:          ep.Bvid,
			Cid:           ep.Cid,
			Title:         title,
			EpisodeNumber: i + 1,
			Duration:      uint32(ep.Duration / 1000),
			Cover:         ep.Cover,
			Pubtime:       time.Unix(ep.PubTime, 0),
		})
	}
	return episodes, nil
}

// VideoDetail fetches the full view metadata plus tags for one video.
func (c *Client) VideoDetail(ctx context.Context, bvid string) (*VideoDetail, error) {
	var data struct {
		Bvid    string     `json:"bvid"`
		Title   string     `json:"title"`
		Desc    string     `json:"desc"`
		Pic     string     `json:"pic"`
		Owner   Upper      `json:"owner"`
		Pubdate int64      `json:"pubdate"`
		Pages   []PageInfo `json:"pages"`
		Staff   []struct {
			Mid   int64  `json:"mid"`
			Title string `json:"title"`
			Name  string `json:"name"`
			Face  string `json:"face"`
		} `json:"staff"`
		Rights struct {
			Pay      int `json:"pay"`
			ArcPay   int `json:"arc_pay"`
			PayFreeWatch int `json:"pay_free_watch"`
		} `json:"rights"`
	}
	if err := c.get(ctx, "/x/web-interface/view", map[string]string{"bvid": bvid}, &data); err != nil {
		return nil, err
	}

	detail := &VideoDetail{
		Bvid:     data.Bvid,
		Title:    data.Title,
		Intro:    data.Desc,
		Cover:    data.Pic,
		Upper:    data.Owner,
		Pages:    data.Pages,
		Paid:     data.Rights.Pay == 1 || data.Rights.ArcPay == 1,
		Unlocked: data.Rights.PayFreeWatch == 1,
		Pubtime:  time.Unix(data.Pubdate, 0),
	}
	for _, s := range data.Staff {
		detail.Staff = append(detail.Staff, models.StaffInfo{
			Mid: s.Mid, Title: s.Title, Name: s.Name, Face: s.Face,
		})
	}

	tags, err := c.videoTags(ctx, bvid)
	if err != nil {
		return nil, err
	}
	detail.Tags = tags
	return detail, nil
}

func (c *Client) videoTags(ctx context.Context, bvid string) ([]string, error) {
	var data []struct {
		TagName string `json:"tag_name"`
	}
	if err := c.get(ctx, "/x/tag/archive/tags", map[string]string{"bvid": bvid}, &data); err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(data))
	for _, t := range data {
		tags = append(tags, t.TagName)
	}
	return tags, nil
}

// BestStream resolves the highest-quality stream available for one page.
func (c *Client) BestStream(ctx context.Context, bvid string, cid int64) (Stream, error) {
	var data struct {
		Quality int `json:"quality"`
		Durl    []struct {
			URL       string   `json:"url"`
			BackupURL []string `json:"backup_url"`
		} `json:"durl"`
	}
	err := c.get(ctx, "/x/player/playurl", map[string]string{
		"bvid": bvid,
		"cid":  strconv.FormatInt(cid, 10),
		"qn":   "127",
		"fnval": "1",
	}, &data)
	if err != nil {
		return Stream{}, err
	}
	if len(data.Durl) == 0 {
		return Stream{}, fmt.Errorf("no stream returned for %s cid %d: %w", bvid, cid, ErrNotFound)
	}
	return Stream{
		URL:        data.Durl[0].URL,
		BackupURLs: data.Durl[0].BackupURL,
		Quality:    data.Quality,
	}, nil
}

// Danmaku fetches the raw comments overlay document for one page.
func (c *Client) Danmaku(ctx context.Context, cid int64) ([]byte, error) {
	apiURL := sharedhttp.BuildQueryURL(apiBase+"/x/v1/dm/list.so", map[string]string{
		"oid": strconv.FormatInt(cid, 10),
	})
	resp, err := sharedhttp.MakeRequest(ctx, apiURL, c.http, c.headers())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: apiURL}
	}
	return sharedhttp.ReadResponseBody(resp)
}

// Subtitles fetches every subtitle track of one page with cues resolved.
func (c *Client) Subtitles(ctx context.Context, bvid string, cid int64) ([]Subtitle, error) {
	var data struct {
		Subtitle struct {
			Subtitles []struct {
				Lan         string `json:"lan"`
				SubtitleURL string `json:"subtitle_url"`
			} `json:"subtitles"`
		} `json:"subtitle"`
	}
	err := c.get(ctx, "/x/player/v2", map[string]string{
		"bvid": bvid,
		"cid":  strconv.FormatInt(cid, 10),
	}, &data)
	if err != nil {
		return nil, err
	}

	var subs []Subtitle
	for _, s := range data.Subtitle.Subtitles {
		u := s.SubtitleURL
		if len(u) >= 2 && u[:2] == "//" {
			u = "https:" + u
		}
		resp, err := sharedhttp.MakeRequest(ctx, u, c.http, c.headers())
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, &StatusError{StatusCode: resp.StatusCode, URL: u}
		}
		var body struct {
			Body []SubtitleLine `json:"body"`
		}
		if err := sharedhttp.DecodeJSONResponse(resp, &body); err != nil {
			return nil, err
		}
		subs = append(subs, Subtitle{Lan: s.Lan, Lines: body.Body})
	}
	return subs, nil
}

// Fetch downloads an artifact (cover, avatar, media stream) to dest through a
// temp file. Media URLs require the site referer or the CDN rejects them.
func (c *Client) Fetch(ctx context.Context, url, dest string) error {
	resp, err := sharedhttp.MakeRequest(ctx, url, c.media, c.headers())
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return &StatusError{StatusCode: resp.StatusCode, URL: url}
	}
	written, err := sharedhttp.SaveResponseBody(resp, dest)
	if err != nil {
		return err
	}
	slog.Debug("Saved artifact",
		"url", format.Preview(url, 80),
		"dest", dest,
		"size", format.Bytes(written))
	return nil
}
