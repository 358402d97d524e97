package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/chat-raffle/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order represents the chronological order to use when listing messages.
type Order string

const (
	// OrderDesc returns messages newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns messages oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for message lookups.
type Filters struct {
	Authors []string
	Since   *time.Time
	Limit   int
	Order   Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	if authors := values["author"]; len(authors) > 0 {
		seen := make(map[string]struct{})
		for _, raw := range authors {
			for _, part := range strings.Split(raw, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				lowered := strings.ToLower(part)
				if _, exists := seen[lowered]; !exists {
					f.Authors = append(f.Authors, lowered)
					seen[lowered] = struct{}{}
				}
			}
		}
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether the provided message satisfies the filters.
func (f Filters) Matches(msg core.Message) bool {
	if len(f.Authors) > 0 {
		name := strings.ToLower(msg.AuthorName)
		match := false
		for _, a := range f.Authors {
			if strings.Contains(name, a) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil {
		if msg.PublishedAt.Before(f.Since.UTC()) {
			return false
		}
	}

	return true
}

// CloneForStream returns a copy of the filters adjusted for streaming transports.
func (f Filters) CloneForStream() Filters {
	f.Limit = 0
	return f
}
