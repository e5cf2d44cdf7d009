// Package pagination reads limit/offset query parameters and shapes pages of
// catalog listings.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Missing or non-positive limits use
// DefaultLimit; limits above MaxLimit and negative offsets are clamped.
func FromContext(c echo.Context) Params {
	p := Params{Limit: DefaultLimit}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		p.Limit = min(n, MaxLimit)
	}
	if n, err := strconv.Atoi(c.QueryParam("offset")); err == nil && n > 0 {
		p.Offset = n
	}
	return p
}

// Peek is the row count to ask the store for. The extra row answers has_more
// without a count query.
func (p Params) Peek() int { return p.Limit + 1 }

// Page is one window of a listing.
type Page[T any] struct {
	Data    []T  `json:"data"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Next    *int `json:"next_offset,omitempty"`
	Prev    *int `json:"prev_offset,omitempty"`
}

// NewPage builds a page from rows fetched with Peek rows requested.
func NewPage[T any](rows []T, p Params) *Page[T] {
	page := &Page[T]{Limit: p.Limit, Offset: p.Offset}
	if len(rows) > p.Limit {
		rows = rows[:p.Limit]
		next := p.Offset + p.Limit
		page.HasMore, page.Next = true, &next
	}
	if p.Offset > 0 {
		prev := max(p.Offset-p.Limit, 0)
		page.Prev = &prev
	}
	if rows == nil {
		rows = []T{}
	}
	page.Data = rows
	return page
}
