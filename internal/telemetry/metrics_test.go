package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	Register()
	Register()

	JobsCompleted.WithLabelValues("upscale").Inc()
	JobDuration.WithLabelValues("upscale", "completed").Observe(0.3)
	QueueDepth.WithLabelValues("waiting").Set(4)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	for _, name := range []string{
		"mediaq_jobs_completed_total",
		"mediaq_job_duration_seconds_bucket",
		`mediaq_queue_depth{state="waiting"} 4`,
	} {
		require.True(t, strings.Contains(out, name), name)
	}
}
