package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/surgical-cases"+query, nil), httptest.NewRecorder())
	return FromContext(c)
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=5&offset=10", 5, 10},
		{"?limit=1000", MaxLimit, 0},
		{"?limit=-3&offset=-1", DefaultLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := paramsFor(tt.query)
		if p.Limit != tt.limit || p.Offset != tt.offset {
			t.Errorf("%q: got %+v, want limit=%d offset=%d", tt.query, p, tt.limit, tt.offset)
		}
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 5, Params{Limit: 2, Offset: 2})
	if resp.Total != 5 || resp.Limit != 2 || resp.Offset != 2 {
		t.Errorf("resp = %+v", resp)
	}
	if !resp.HasMore {
		t.Error("expected more results")
	}
	if NewResponse(nil, 4, Params{Limit: 2, Offset: 2}).HasMore {
		t.Error("last page should not have more")
	}
}

func TestSlice(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	resp := Slice(items, Params{Limit: 2, Offset: 1})
	got := resp.Data.([]int)
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("page = %v", got)
	}
	if resp.Total != 5 || !resp.HasMore {
		t.Errorf("resp = %+v", resp)
	}

	past := Slice(items, Params{Limit: 2, Offset: 10})
	if data := past.Data.([]int); len(data) != 0 || data == nil {
		t.Errorf("past the end = %#v", past.Data)
	}

	empty := Slice[string](nil, Params{Limit: 20})
	if data := empty.Data.([]string); data == nil || len(data) != 0 {
		t.Errorf("empty = %#v", empty.Data)
	}
}
