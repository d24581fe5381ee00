package querier

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultFormat(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		body    string
		want    string
		wantErr bool
	}{
		{name: "default", url: "/query", want: "application/json"},
		{name: "body", url: "/query", body: "ndjson", want: "application/x-ndjson"},
		{name: "query overrides body", url: "/query?format=json", body: "ndjson", want: "application/json"},
		{name: "unknown", url: "/query?format=csv", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := resultFormat(httptest.NewRequest("POST", tt.url, nil), tt.body)
			if tt.wantErr {
				assert.EqualError(t, err, `Unknown format "csv"`)
				return
			}
			require.NoError(t, err)
			rec := httptest.NewRecorder()
			require.NoError(t, fn(nil, rec))
			assert.Equal(t, tt.want, rec.Header().Get("Content-Type"))
		})
	}
}

func TestProcessResultsForJSON(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	got := ProcessResultsForJSON([]map[string]any{{
		"id": int64(7), "at": at, "raw": []byte("x"), "nan": math.NaN(), "inf": math.Inf(-1), "f": 0.5, "none": nil,
	}})
	assert.Equal(t, []map[string]any{{
		"id": "7", "at": "2024-01-02T03:04:05Z", "raw": "x", "nan": "NaN", "inf": "-Inf", "f": 0.5, "none": nil,
	}}, got)

	rec := httptest.NewRecorder()
	require.NoError(t, JsonFormatter([]map[string]any{{"x": math.Inf(1)}}, rec))
	assert.JSONEq(t, `{"results":[{"x":"+Inf"}]}`, rec.Body.String())
}
