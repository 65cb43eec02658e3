package httpx

import (
	"net/http"
	"strconv"
)

// page bounds a listing request.
type page struct {
	Limit  int
	Offset int
}

// queryInt reads key from the query string, falling back to def when the
// value is absent or not an integer.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// ParseLimitOffset reads limit and offset query params. The limit is kept
// within [1, maxLimit] and a negative offset becomes zero.
func ParseLimitOffset(r *http.Request, defLimit, maxLimit int) (int, int) {
	p := page{
		Limit:  clamp(queryInt(r, "limit", defLimit), 1, max(maxLimit, 1)),
		Offset: max(queryInt(r, "offset", 0), 0),
	}
	return p.Limit, p.Offset
}
