// Package yturl parses the YouTube URL shapes users paste into the raffle
// form: watch links, youtu.be short links, embeds, channel pages and @handles.
package yturl

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrNoVideoID is returned when no 11-character video ID can be extracted.
var ErrNoVideoID = errors.New("yturl: could not extract video id")

var (
	shortRe   = regexp.MustCompile(`youtu\.be/([a-zA-Z0-9_-]{11})`)
	embedRe   = regexp.MustCompile(`youtube\.com/embed/([a-zA-Z0-9_-]{11})`)
	liveRe    = regexp.MustCompile(`youtube\.com/live/([a-zA-Z0-9_-]{11})`)
	channelRe = regexp.MustCompile(`youtube\.com/channel/(UC[a-zA-Z0-9_-]{10,})`)
	handleRe  = regexp.MustCompile(`@([a-zA-Z0-9._-]+)`)
)

// VideoID extracts the video ID from a watch, youtu.be, embed or /live/ URL.
func VideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNoVideoID
	}

	for _, re := range []*regexp.Regexp{shortRe, embedRe, liveRe} {
		if m := re.FindStringSubmatch(raw); m != nil {
			return m[1], nil
		}
	}

	u, err := url.Parse(normalizeScheme(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoVideoID, raw)
	}
	host := strings.ToLower(u.Hostname())
	if strings.HasSuffix(host, "youtube.com") {
		id := strings.TrimSpace(u.Query().Get("v"))
		if len(id) == 11 {
			return id, nil
		}
	}

	return "", ErrNoVideoID
}

// ChannelID extracts a channel ID from a /channel/UC... URL. It returns empty
// (not an error) when the URL names a channel some other way; callers fall
// back to handle resolution.
func ChannelID(raw string) string {
	if m := channelRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return ""
}

// Handle extracts the @handle from a channel URL or bare handle, without the
// leading @. Empty when absent.
func Handle(raw string) string {
	if m := handleRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return ""
}

// IsChannelURL reports whether the input names a channel rather than a single
// video.
func IsChannelURL(raw string) bool {
	if ChannelID(raw) != "" {
		return true
	}
	if _, err := VideoID(raw); err == nil {
		return false
	}
	return Handle(raw) != ""
}

// WatchURL builds the canonical watch URL for a video ID.
func WatchURL(videoID string) string {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return ""
	}
	values := url.Values{"v": []string{videoID}}
	return (&url.URL{Scheme: "https", Host: "www.youtube.com", Path: "/watch", RawQuery: values.Encode()}).String()
}

func normalizeScheme(raw string) string {
	if strings.HasPrefix(raw, "@") {
		return "https://www.youtube.com/" + raw
	}
	if !strings.Contains(raw, "://") {
		return "https://" + raw
	}
	return raw
}
