// Package ytapi is the YouTube Data API v3 client used as the raffle's
// message source. It resolves live streams, pages through live chat messages
// and normalizes them into core.Message records.
package ytapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/you/chat-raffle/internal/core"
	"github.com/you/chat-raffle/internal/yturl"
)

const (
	defaultBaseURL   = "https://www.googleapis.com/youtube/v3"
	defaultRPS       = 5
	pageMaxResults   = 200
	defaultMaxPages  = 50
	DefaultMaxFetch  = 10000
	minPageDelay     = 500 * time.Millisecond
	maxPageDelay     = 2 * time.Second
	defaultPageDelay = time.Second
)

// Source-condition errors callers branch on. Transport and decode failures are
// wrapped instead.
var (
	ErrNotLive      = errors.New("ytapi: video is not currently live")
	ErrVideoMissing = errors.New("ytapi: video not found")
	ErrNoLiveChat   = errors.New("ytapi: live chat is not available for this stream")
	ErrChatEnded    = errors.New("ytapi: the live chat has ended")
	ErrChatDisabled = errors.New("ytapi: live chat is disabled for this broadcast")
	ErrTooMany      = errors.New("ytapi: stream has more messages than the configured maximum")
	ErrNoKey        = errors.New("ytapi: api key is not configured")
)

type Config struct {
	APIKey      string
	KeyProvider func() string // overrides APIKey when set; enables hot reload
	BaseURL     string        // override for tests
	HTTPClient  *http.Client
	RPS         float64 // API request pacing, defaults to 5/s
}

type Client struct {
	baseURL string
	key     func() string
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	key := cfg.KeyProvider
	if key == nil {
		static := cfg.APIKey
		key = func() string { return static }
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	return &Client{
		baseURL: baseURL,
		key:     key,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// LiveDetails is the live-state snapshot for one video.
type LiveDetails struct {
	VideoID    string
	ChannelID  string
	LiveChatID string
	Broadcast  string // liveBroadcastContent: "live" | "upcoming" | "none"
}

func (d LiveDetails) Live() bool { return d.Broadcast == "live" }

// ChatPage is one page of live chat messages.
type ChatPage struct {
	Messages        []core.Message
	NextPageToken   string
	PollingInterval time.Duration
	TotalResults    int
}

// Stream describes one active live stream on a channel.
type Stream struct {
	VideoID  string `json:"video_id"`
	WatchURL string `json:"video_url"`
	Title    string `json:"title"`
}

// VideoLiveDetails fetches snippet + liveStreamingDetails for a video.
// ErrVideoMissing is returned when the ID resolves to nothing.
func (c *Client) VideoLiveDetails(ctx context.Context, videoID string) (LiveDetails, error) {
	params := url.Values{
		"part": []string{"snippet,liveStreamingDetails"},
		"id":   []string{videoID},
	}

	var resp videosResponse
	if err := c.get(ctx, "/videos", params, &resp); err != nil {
		return LiveDetails{}, err
	}
	if len(resp.Items) == 0 {
		return LiveDetails{}, ErrVideoMissing
	}

	item := resp.Items[0]
	return LiveDetails{
		VideoID:    videoID,
		ChannelID:  item.Snippet.ChannelID,
		LiveChatID: item.LiveStreamingDetails.ActiveLiveChatID,
		Broadcast:  item.Snippet.LiveBroadcastContent,
	}, nil
}

// FetchChatPage retrieves one page of live chat messages. Only text, super
// chat and super sticker events are kept.
func (c *Client) FetchChatPage(ctx context.Context, liveChatID, pageToken string) (ChatPage, error) {
	params := url.Values{
		"liveChatId": []string{liveChatID},
		"part":       []string{"snippet,authorDetails"},
		"maxResults": []string{fmt.Sprintf("%d", pageMaxResults)},
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var resp liveChatResponse
	if err := c.get(ctx, "/liveChat/messages", params, &resp); err != nil {
		return ChatPage{}, err
	}

	page := ChatPage{
		NextPageToken:   resp.NextPageToken,
		PollingInterval: defaultPageDelay,
		TotalResults:    resp.PageInfo.TotalResults,
	}
	if resp.PollingIntervalMillis > 0 {
		page.PollingInterval = time.Duration(resp.PollingIntervalMillis) * time.Millisecond
	}

	for _, item := range resp.Items {
		switch item.Snippet.Type {
		case "textMessageEvent", "superChatEvent", "superStickerEvent":
		default:
			continue
		}
		msg := core.Message{
			ID:         item.ID,
			AuthorID:   item.AuthorDetails.ChannelID,
			AuthorName: item.AuthorDetails.DisplayName,
			Text:       item.Snippet.DisplayMessage,
		}
		if msg.AuthorName == "" {
			msg.AuthorName = "Unknown"
		}
		if t, err := time.Parse(time.RFC3339Nano, item.Snippet.PublishedAt); err == nil {
			msg.PublishedAt = t.UTC()
		} else {
			msg.PublishedAt = time.Now().UTC()
		}
		page.Messages = append(page.Messages, msg)
	}

	return page, nil
}

// CollectMessages pages through a live chat until exhaustion or the message
// cap, honouring the API's polling interval between pages.
func (c *Client) CollectMessages(ctx context.Context, liveChatID string, maxMessages int) ([]core.Message, error) {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxFetch
	}

	var (
		messages  []core.Message
		pageToken string
	)

	for pageCount := 1; pageCount <= defaultMaxPages; pageCount++ {
		page, err := c.FetchChatPage(ctx, liveChatID, pageToken)
		if err != nil {
			return nil, err
		}

		if pageCount == 1 && page.TotalResults > maxMessages {
			return nil, errors.Wrapf(ErrTooMany, "stream reports %d messages, maximum is %d", page.TotalResults, maxMessages)
		}

		if len(page.Messages) == 0 && len(messages) > 0 {
			break
		}
		messages = append(messages, page.Messages...)
		if len(messages) >= maxMessages {
			messages = messages[:maxMessages]
			break
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
		if !sleepContext(ctx, clampDelay(page.PollingInterval)) {
			return nil, ctx.Err()
		}
	}

	return messages, nil
}

// LiveChatIDForVideo validates that a video is live and has an active chat,
// returning its live chat ID.
func (c *Client) LiveChatIDForVideo(ctx context.Context, videoID string) (string, error) {
	details, err := c.VideoLiveDetails(ctx, videoID)
	if err != nil {
		return "", err
	}
	if !details.Live() {
		return "", ErrNotLive
	}
	if details.LiveChatID == "" {
		return "", ErrNoLiveChat
	}
	return details.LiveChatID, nil
}

// ResolveChannelID turns a /channel/ URL, @handle URL or bare @handle into a
// channel ID, using channels.list forHandle when needed.
func (c *Client) ResolveChannelID(ctx context.Context, raw string) (string, error) {
	if id := yturl.ChannelID(raw); id != "" {
		return id, nil
	}
	handle := yturl.Handle(raw)
	if handle == "" {
		return "", errors.Errorf("ytapi: cannot determine channel from %q", raw)
	}

	params := url.Values{
		"part":      []string{"id"},
		"forHandle": []string{handle},
	}
	var resp channelsResponse
	if err := c.get(ctx, "/channels", params, &resp); err != nil {
		return "", err
	}
	if len(resp.Items) == 0 {
		return "", errors.Errorf("ytapi: no channel found for handle %q", handle)
	}
	return resp.Items[0].ID, nil
}

// ActiveLiveStreams searches a channel for currently live videos.
func (c *Client) ActiveLiveStreams(ctx context.Context, channelID string) ([]Stream, error) {
	params := url.Values{
		"part":       []string{"snippet"},
		"channelId":  []string{channelID},
		"eventType":  []string{"live"},
		"type":       []string{"video"},
		"maxResults": []string{"50"},
	}
	var resp searchResponse
	if err := c.get(ctx, "/search", params, &resp); err != nil {
		return nil, err
	}

	var streams []Stream
	for _, item := range resp.Items {
		if item.ID.VideoID == "" {
			continue
		}
		streams = append(streams, Stream{
			VideoID:  item.ID.VideoID,
			WatchURL: "https://www.youtube.com/watch?v=" + item.ID.VideoID,
			Title:    item.Snippet.Title,
		})
	}
	return streams, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	key := strings.TrimSpace(c.key())
	if key == "" {
		return ErrNoKey
	}
	params.Set("key", key)

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "ytapi: request %s", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		return apiErrorFrom(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "ytapi: decode %s response", path)
	}
	return nil
}

func apiErrorFrom(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Errors  []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != 0 {
		reason := ""
		if len(envelope.Error.Errors) > 0 {
			reason = envelope.Error.Errors[0].Reason
		}
		if envelope.Error.Code == http.StatusForbidden {
			switch reason {
			case "liveChatEnded":
				return ErrChatEnded
			case "liveChatDisabled":
				return ErrChatDisabled
			}
		}
		return errors.Errorf("ytapi: api error (%d %s): %s", envelope.Error.Code, reason, envelope.Error.Message)
	}
	return errors.Errorf("ytapi: unexpected status %d: %s", status, strings.TrimSpace(string(body)))
}

func clampDelay(d time.Duration) time.Duration {
	if d < minPageDelay {
		return minPageDelay
	}
	if d > maxPageDelay {
		return maxPageDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
