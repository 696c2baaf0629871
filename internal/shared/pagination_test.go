package shared

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPaginationBounds(t *testing.T) {
	cases := map[string]struct {
		page, perPage, total int
		start, end, pages    int
	}{
		"first page":        {page: 1, perPage: 2, total: 5, start: 0, end: 2, pages: 3},
		"last partial page": {page: 3, perPage: 2, total: 5, start: 4, end: 5, pages: 3},
		"past the end":      {page: 9, perPage: 2, total: 5, start: 5, end: 5, pages: 3},
		"defaults":          {page: 0, perPage: 0, total: 45, start: 0, end: 20, pages: 3},
		"capped":            {page: 1, perPage: 1000, total: 450, start: 0, end: MaxPerPage, pages: 3},
		"empty":             {page: 1, perPage: 10, total: 0, start: 0, end: 0, pages: 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p := NewPagination(tc.page, tc.perPage, tc.total)
			start, end := p.Bounds()
			require.Equal(t, tc.start, start)
			require.Equal(t, tc.end, end)
			require.Equal(t, tc.pages, p.TotalPages)
		})
	}
}
