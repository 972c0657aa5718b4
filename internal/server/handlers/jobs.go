package handlers

import (
	"io"
	"net/http"

	apperrors "github.com/3leaps/ocrfleet/internal/errors"
	"github.com/3leaps/ocrfleet/pkg/jobregistry"
)

// JobLister exposes the active jobs.
type JobLister interface {
	Snapshot() []jobregistry.JobSummary
}

// MetricsWriter renders metrics as JSON.
type MetricsWriter interface {
	WriteJSON(w io.Writer)
}

// JobsResponse is the body of /jobs.
type JobsResponse struct {
	Count int                      `json:"count"`
	Jobs  []jobregistry.JobSummary `json:"jobs"`
}

// JobsHandler lists active jobs, oldest first.
func JobsHandler(jobs JobLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jobs == nil {
			respondWithError(w, r, apperrors.ServiceUnavailable("job registry not available"))
			return
		}
		snapshot := jobs.Snapshot()
		apperrors.WriteJSON(w, http.StatusOK, JobsResponse{Count: len(snapshot), Jobs: snapshot})
	}
}

// MetricsHandler renders the manager counters.
func MetricsHandler(m MetricsWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			respondWithError(w, r, apperrors.ServiceUnavailable("metrics not available"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		m.WriteJSON(w)
	}
}
