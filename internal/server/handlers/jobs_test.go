package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ocrfleet/pkg/jobregistry"
)

type staticMetrics string

func (s staticMetrics) WriteJSON(w io.Writer) {
	_, _ = io.WriteString(w, string(s))
}

func TestJobsHandler(t *testing.T) {
	reg := jobregistry.New()
	require.NoError(t, reg.Register("reply-a", "bucket", []string{"u1", "u2"}))
	reg.RecordResult("reply-a", jobregistry.Fragment{SourceURL: "u1", Text: "t"})

	rec := httptest.NewRecorder()
	JobsHandler(reg)(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body JobsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "reply-a", body.Jobs[0].Key)
	assert.Equal(t, 1, body.Jobs[0].Remaining)
	assert.Equal(t, 1, body.Jobs[0].Received)
}

func TestJobsHandler_NoRegistry(t *testing.T) {
	rec := httptest.NewRecorder()
	JobsHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	MetricsHandler(staticMetrics(`{"jobs_completed":{"count":2}}`))(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"jobs_completed":{"count":2}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	MetricsHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
