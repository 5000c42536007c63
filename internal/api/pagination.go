package api

import (
	"net/http"
	"strconv"

	"github.com/ignite/leadengine/internal/domain"
)

// pageRequest is a parsed ?page=&limit= pair. Pages count from 1.
type pageRequest struct {
	page  int
	limit int
}

func (p pageRequest) offset() int { return (p.page - 1) * p.limit }

// Page is one slice of a listing plus where it sits in the whole.
type Page[T any] struct {
	Items   []T  `json:"items"`
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	Pages   int  `json:"pages"`
	HasMore bool `json:"has_more"`
}

// parsePage reads ?page= and ?limit=. Missing values take the defaults and
// an oversized limit is clamped; anything that is not a positive integer
// is a validation error.
func parsePage(r *http.Request, defaultLimit, maxLimit int) (pageRequest, error) {
	p := pageRequest{page: 1, limit: defaultLimit}
	q := r.URL.Query()
	for _, f := range []struct {
		name string
		dst  *int
	}{{"page", &p.page}, {"limit", &p.limit}} {
		raw := q.Get(f.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return pageRequest{}, &domain.ValidationError{Field: f.name, Reason: "must be a positive integer"}
		}
		*f.dst = n
	}
	if p.limit > maxLimit {
		p.limit = maxLimit
	}
	return p, nil
}

func newPage[T any](items []T, p pageRequest, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := (total + p.limit - 1) / p.limit
	if pages < 1 {
		pages = 1
	}
	return Page[T]{
		Items:   items,
		Page:    p.page,
		Limit:   p.limit,
		Total:   total,
		Pages:   pages,
		HasMore: p.page < pages,
	}
}
