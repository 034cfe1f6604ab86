// Package pagination implements keyset paging over (created_at, id) for the
// admin listing endpoints. Page tokens are opaque base64url JSON.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

var ErrInvalidToken = errors.New("invalid page token")

type Request struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Limit clamps PageSize into [1, MaxPageSize], defaulting when unset.
func (r Request) Limit() int {
	switch {
	case r.PageSize <= 0:
		return DefaultPageSize
	case r.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return r.PageSize
	}
}

// Cursor points at the last row of a page; the next page starts strictly
// after it in (created_at desc, id desc) order.
type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type wireCursor struct {
	ID        string `json:"i"`
	CreatedAt int64  `json:"t"`
}

func (c Cursor) Encode() string {
	b, _ := json.Marshal(wireCursor{ID: c.ID.String(), CreatedAt: c.CreatedAt.UnixNano()})
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode returns nil for an empty token.
func Decode(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var w wireCursor
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, ErrInvalidToken
	}
	id, err := snowflake.ParseString(w.ID)
	if err != nil || id <= 0 || w.CreatedAt <= 0 {
		return nil, ErrInvalidToken
	}
	return &Cursor{ID: id, CreatedAt: time.Unix(0, w.CreatedAt).UTC()}, nil
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token"`
	HasMore       bool   `json:"has_more"`
}

// Page trims rows fetched with limit+1 back to limit and builds the token
// for the following page from the last kept row.
func Page[T any](rows []T, limit int, cursorOf func(T) Cursor) ([]T, PageInfo) {
	if len(rows) <= limit {
		return rows, PageInfo{}
	}
	rows = rows[:limit]
	return rows, PageInfo{
		HasMore:       true,
		NextPageToken: cursorOf(rows[len(rows)-1]).Encode(),
	}
}
