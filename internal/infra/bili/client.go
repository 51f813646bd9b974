// Package bili provides the remote catalog client: keyword search over the
// video platform and resolution of audio-only stream URLs for selected
// videos, including multi-part ones.
package bili

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBaseURL is the platform API base URL
	DefaultBaseURL = "https://api.bilibili.com"

	// DefaultUserAgent identifies the backend to the API
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) Nocturne/0.1"

	// DefaultTimeout for HTTP requests
	DefaultTimeout = 20 * time.Second

	// DefaultRateLimit keeps request bursts polite
	DefaultRateLimit = 4 // requests per second
)

// Client talks to the catalog API. All calls are fallible; failures surface
// as wrapped errors classified by the sentinels in types.go.
type Client struct {
	baseURL    string
	userAgent  string
	session    string
	httpClient *http.Client
	limiter    *rateLimiter
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithUserAgent sets a custom User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit sets the rate limit in requests per second.
func WithRateLimit(rps int) Option {
	return func(c *Client) {
		c.limiter = newRateLimiter(rps)
	}
}

// NewClient creates a catalog API client. The API rejects anonymous clients
// without a device cookie, so a random session identifier is minted per
// client instance.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		userAgent: DefaultUserAgent,
		session:   strings.ReplaceAll(uuid.NewString(), "-", ""),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: newRateLimiter(DefaultRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SearchItem is one keyword search result.
type SearchItem struct {
	SourceID    string `json:"sourceId"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	CoverURL    string `json:"coverUrl"`
	DurationSec int    `json:"duration"`
}

// VideoInfo describes a catalog video and its parts.
type VideoInfo struct {
	SourceID    string
	Title       string
	Author      string
	CoverURL    string
	DurationSec int
	Parts       []PartInfo
}

// PartInfo is one part (page) of a multi-part video.
type PartInfo struct {
	CID         int64
	Page        int
	Title       string
	DurationSec int
}

type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type searchData struct {
	Result []struct {
		BVID     string `json:"bvid"`
		Title    string `json:"title"`
		Author   string `json:"author"`
		Pic      string `json:"pic"`
		Duration string `json:"duration"` // "MM:SS" or "HH:MM:SS"
	} `json:"result"`
}

type viewData struct {
	BVID     string `json:"bvid"`
	Title    string `json:"title"`
	Pic      string `json:"pic"`
	Duration int    `json:"duration"`
	Owner    struct {
		Name string `json:"name"`
	} `json:"owner"`
	Pages []struct {
		CID      int64  `json:"cid"`
		Page     int    `json:"page"`
		Part     string `json:"part"`
		Duration int    `json:"duration"`
	} `json:"pages"`
}

type playURLData struct {
	Dash struct {
		Audio []struct {
			BaseURL   string `json:"baseUrl"`
			Bandwidth int    `json:"bandwidth"`
		} `json:"audio"`
	} `json:"dash"`
}

// Search performs a keyword search and returns ordered video results.
func (c *Client) Search(ctx context.Context, keyword string, page int) ([]SearchItem, error) {
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	q.Set("search_type", "video")
	q.Set("keyword", keyword)
	q.Set("page", strconv.Itoa(page))

	var data searchData
	if err := c.get(ctx, "/x/web-interface/search/type", q, &data); err != nil {
		return nil, fmt.Errorf("search %q: %w", keyword, err)
	}

	items := make([]SearchItem, 0, len(data.Result))
	for _, r := range data.Result {
		if r.BVID == "" {
			continue
		}
		items = append(items, SearchItem{
			SourceID:    r.BVID,
			Title:       stripEmTags(r.Title),
			Author:      r.Author,
			CoverURL:    normalizeCover(r.Pic),
			DurationSec: parseClock(r.Duration),
		})
	}

	log.Debug().Str("keyword", keyword).Int("page", page).Int("results", len(items)).Msg("Search completed")
	return items, nil
}

// View fetches video metadata including its parts.
func (c *Client) View(ctx context.Context, sourceID string) (*VideoInfo, error) {
	q := url.Values{}
	q.Set("bvid", sourceID)

	var data viewData
	if err := c.get(ctx, "/x/web-interface/view", q, &data); err != nil {
		return nil, fmt.Errorf("view %s: %w", sourceID, err)
	}

	info := &VideoInfo{
		SourceID:    data.BVID,
		Title:       data.Title,
		Author:      data.Owner.Name,
		CoverURL:    normalizeCover(data.Pic),
		DurationSec: data.Duration,
	}
	for _, p := range data.Pages {
		info.Parts = append(info.Parts, PartInfo{
			CID:         p.CID,
			Page:        p.Page,
			Title:       p.Part,
			DurationSec: p.Duration,
		})
	}
	if len(info.Parts) == 0 {
		return nil, fmt.Errorf("view %s: %w", sourceID, ErrNotFound)
	}
	return info, nil
}

// AudioStreamURL resolves the best audio-only DASH stream for one part.
func (c *Client) AudioStreamURL(ctx context.Context, sourceID string, cid int64) (string, error) {
	q := url.Values{}
	q.Set("bvid", sourceID)
	q.Set("cid", strconv.FormatInt(cid, 10))
	q.Set("fnval", "16") // request DASH streams

	var data playURLData
	if err := c.get(ctx, "/x/player/playurl", q, &data); err != nil {
		return "", fmt.Errorf("playurl %s/%d: %w", sourceID, cid, err)
	}

	best := ""
	bestBandwidth := -1
	for _, a := range data.Dash.Audio {
		if a.BaseURL != "" && a.Bandwidth > bestBandwidth {
			best = a.BaseURL
			bestBandwidth = a.Bandwidth
		}
	}
	if best == "" {
		return "", fmt.Errorf("playurl %s/%d: %w", sourceID, cid, ErrNoAudioStream)
	}
	return best, nil
}

// get performs a rate-limited GET against the API and decodes the data
// payload of the response envelope.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	reqURL := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Referer", "https://www.bilibili.com")
	req.AddCookie(&http.Cookie{Name: "buvid3", Value: c.session})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ErrTemporaryFailure
	default:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if envelope.Code != 0 {
		if envelope.Code == -404 {
			return ErrNotFound
		}
		return fmt.Errorf("api error %d: %s", envelope.Code, envelope.Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("parse data: %w", err)
		}
	}
	return nil
}

// parseClock converts "MM:SS" or "HH:MM:SS" into seconds.
func parseClock(s string) int {
	parts := strings.Split(s, ":")
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total
}

// stripEmTags removes the keyword-highlight markup search results embed in
// titles.
func stripEmTags(s string) string {
	s = strings.ReplaceAll(s, `<em class="keyword">`, "")
	return strings.ReplaceAll(s, "</em>", "")
}

// normalizeCover makes protocol-relative cover URLs absolute.
func normalizeCover(pic string) string {
	if strings.HasPrefix(pic, "//") {
		return "https:" + pic
	}
	return pic
}
