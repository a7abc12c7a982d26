package request

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// Pagination holds parsed pagination parameters.
type Pagination struct {
	Limit  int
	Cursor string
}

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ParsePagination extracts limit and cursor from query parameters. The
// cursor is the ID of the last run on the previous page.
func ParsePagination(r *http.Request) (Pagination, error) {
	p := Pagination{
		Limit:  DefaultLimit,
		Cursor: r.URL.Query().Get("cursor"),
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			p.Limit = min(limit, MaxLimit)
		}
	}

	if p.Cursor != "" {
		if _, err := uuid.Parse(p.Cursor); err != nil {
			return Pagination{}, fmt.Errorf("invalid cursor %q", p.Cursor)
		}
	}

	return p, nil
}
