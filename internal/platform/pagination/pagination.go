// Package pagination parses page parameters and slices sorted result sets behind opaque tokens.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid page size")
	ErrInvalidPageToken = errors.New("pagination: invalid page token")
)

// Params is a parsed page request. After is the key of the last item already returned.
type Params struct {
	PageSize int
	After    string
}

type cursor struct {
	After string `json:"after"`
}

// Parse reads pageSize and pageToken from query values.
func Parse(values url.Values) (Params, error) {
	params := Params{PageSize: DefaultPageSize}
	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return Params{}, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
		}
		if size > MaxPageSize {
			size = MaxPageSize
		}
		params.PageSize = size
	}
	after, err := DecodeToken(values.Get("pageToken"))
	if err != nil {
		return Params{}, err
	}
	params.After = after
	return params, nil
}

// EncodeToken returns the token resuming after key. An empty key yields an empty token.
func EncodeToken(key string) string {
	if key == "" {
		return ""
	}
	data, _ := json.Marshal(cursor{After: key})
	return base64.RawURLEncoding.EncodeToString(data)
}

func DecodeToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil || c.After == "" {
		return "", ErrInvalidPageToken
	}
	return c.After, nil
}

// Page returns the slice of items following params.After and the token for the next page.
// Items must be sorted ascending by key.
func Page[T any](items []T, key func(T) string, params Params) ([]T, string) {
	size := params.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	start := 0
	if params.After != "" {
		start = sort.Search(len(items), func(i int) bool { return key(items[i]) > params.After })
	}
	end := start + size
	if end >= len(items) {
		return items[start:], ""
	}
	return items[start:end], EncodeToken(key(items[end-1]))
}
