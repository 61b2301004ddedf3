package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contextFor(target string) echo.Context {
	return echo.New().NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?limit=500", MaxLimit, 0},
		{"?limit=0", DefaultLimit, 0},
		{"?limit=-3&offset=-5", DefaultLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := FromContext(contextFor("/escalations" + tt.query))
			assert.Equal(t, Params{Limit: tt.limit, Offset: tt.offset}, p)
		})
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	assert.True(t, NewResponse(nil, 45, 20, 20).HasMore)
	assert.False(t, NewResponse(nil, 40, 20, 20).HasMore)
	assert.False(t, NewResponse([]string{}, 0, 20, 0).HasMore)
}

func TestResponse_WithLinks(t *testing.T) {
	c := contextFor("/api/v1/escalations?limit=10&offset=15&tier=CRITICAL_BREACH")
	r := NewResponse([]int{1}, 40, 10, 15).WithLinks(c)

	require.NotNil(t, r.Links)
	assert.Equal(t, "/api/v1/escalations?limit=10&offset=25&tier=CRITICAL_BREACH", r.Links.Next)
	assert.Equal(t, "/api/v1/escalations?limit=10&offset=5&tier=CRITICAL_BREACH", r.Links.Previous)
}

func TestResponse_WithLinks_PreviousClampsToZero(t *testing.T) {
	c := contextFor("/api/v1/referrals?offset=5")
	r := NewResponse(nil, 8, 20, 5).WithLinks(c)

	require.NotNil(t, r.Links)
	assert.Empty(t, r.Links.Next)
	assert.Equal(t, "/api/v1/referrals?limit=20&offset=0", r.Links.Previous)
}

func TestResponse_WithLinks_SinglePage(t *testing.T) {
	r := NewResponse(nil, 3, 20, 0).WithLinks(contextFor("/api/v1/referrals"))
	assert.Nil(t, r.Links)
}
