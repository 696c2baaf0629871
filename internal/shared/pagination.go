package shared

// MaxPerPage caps list requests.
const MaxPerPage = 200

const defaultPerPage = 20

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPagination normalises the requested page and computes the page count.
func NewPagination(page, perPage, total int) Pagination {
	switch {
	case perPage <= 0:
		perPage = defaultPerPage
	case perPage > MaxPerPage:
		perPage = MaxPerPage
	}
	if page <= 0 {
		page = 1
	}
	totalPages := 0
	if total > 0 {
		totalPages = (total + perPage - 1) / perPage
	}
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
}

// Offset returns the row offset of the current page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// Bounds returns the half-open slice range of the current page within Total
// rows. An out-of-range page yields an empty range.
func (p Pagination) Bounds() (start, end int) {
	start = p.Offset()
	if start >= p.Total {
		return p.Total, p.Total
	}
	end = start + p.PerPage
	if end > p.Total {
		end = p.Total
	}
	return start, end
}
