package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	cases := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", defaultPageLimit, 0},
		{"explicit", "?limit=25&offset=50", 25, 50},
		{"capped", "?limit=9999", maxPageLimit, 0},
		{"negative", "?limit=-5&offset=-1", defaultPageLimit, 0},
		{"garbage", "?limit=abc&offset=xyz", defaultPageLimit, 0},
		{"zero", "?limit=0", defaultPageLimit, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/certificates"+c.query, nil)
			limit, offset := parsePagination(r)
			assert.Equal(t, c.wantLimit, limit)
			assert.Equal(t, c.wantOffset, offset)
		})
	}
}

func TestPaginateSlice(t *testing.T) {
	start, end, meta := paginateSlice(10, 4, 8)
	assert.Equal(t, 8, start)
	assert.Equal(t, 10, end)
	assert.False(t, meta.HasMore)
	assert.Equal(t, 10, meta.TotalCount)

	start, end, meta = paginateSlice(10, 4, 0)
	assert.Equal(t, 0, start)
	assert.Equal(t, 4, end)
	assert.True(t, meta.HasMore)

	// Offset past the end yields an empty page.
	start, end, _ = paginateSlice(3, 10, 50)
	assert.Equal(t, start, end)
}
