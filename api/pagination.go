package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// PageMeta describes one page of a list response.
type PageMeta struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// page cuts items down to the window named by the request's "limit" and
// "offset" query parameters. Invalid values fall back to the defaults and
// limit is capped at maxPageLimit.
func page[T any](r *http.Request, items []T) ([]T, PageMeta) {
	q := r.URL.Query()
	limit := defaultPageLimit
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, maxPageLimit)
	}
	offset := 0
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		offset = n
	}

	start := min(offset, len(items))
	end := min(start+limit, len(items))
	return items[start:end], PageMeta{
		Total:   len(items),
		Limit:   limit,
		Offset:  offset,
		HasMore: end < len(items),
	}
}
