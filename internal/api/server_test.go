package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mediaqueue/internal/models"
	"mediaqueue/internal/queue"
	"mediaqueue/internal/status"
)

type testServer struct {
	broker *queue.Broker
	cache  *status.Cache
	http   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := queue.New(client, queue.Options{Name: "test"})
	c := status.New(client, "test", time.Hour)
	srv := httptest.NewServer(New(b, c, zerolog.Nop()).Router())
	t.Cleanup(func() {
		srv.Close()
		_ = b.Close()
	})
	return &testServer{broker: b, cache: c, http: srv}
}

func (s *testServer) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(s.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(s.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestEnqueueWritesPendingStatus(t *testing.T) {
	s := newTestServer(t)
	resp := s.post(t, "/jobs", `{"type":"image_generation","priority":"high","payload":{"prompt":"a red chair","sessionId":"s1"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out enqueueResponse
	decode(t, resp, &out)
	require.NotEmpty(t, out.ID)
	require.Equal(t, models.StatusPending, out.Status)

	st, err := s.cache.GetJobStatus(context.Background(), out.ID)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, models.StatusPending, st.Status)

	info, err := s.broker.GetJob(context.Background(), out.ID)
	require.NoError(t, err)
	require.Equal(t, 5, info.Priority)
	require.Equal(t, "s1", info.SessionID)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	cases := map[string]string{
		"malformed":     `{"type":`,
		"missing type":  `{"payload":{}}`,
		"unknown type":  `{"type":"teleport","payload":{}}`,
		"invalid":       `{"type":"image_edit","payload":{"prompt":"x"}}`,
		"bad priority":  `{"type":"upscale","priority":"asap","payload":{"sourceImageUrl":"https://x/a.png"}}`,
		"bad backoff":   `{"type":"upscale","backoff":{"type":"linear"},"payload":{"sourceImageUrl":"https://x/a.png"}}`,
		"negative wait": `{"type":"upscale","delayMs":-1,"payload":{"sourceImageUrl":"https://x/a.png"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := s.post(t, "/jobs", body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	stats, err := s.broker.GetStats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Total)
}

func TestEnqueueTakesDelaysInMilliseconds(t *testing.T) {
	s := newTestServer(t)
	resp := s.post(t, "/jobs", `{"type":"upscale","delayMs":60000,"backoff":{"type":"fixed","delayMs":1500},"payload":{"sourceImageUrl":"https://x/a.png"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out enqueueResponse
	decode(t, resp, &out)

	info, err := s.broker.GetJob(context.Background(), out.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateDelayed, info.State)
	require.Equal(t, models.Backoff{Type: models.BackoffFixed, Delay: 1500 * time.Millisecond}, info.Backoff)

	resp = s.get(t, "/jobs/"+out.ID+"/info")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw struct {
		Backoff map[string]any `json:"backoff"`
	}
	decode(t, resp, &raw)
	require.Equal(t, map[string]any{"type": "fixed", "delayMs": float64(1500)}, raw.Backoff)
}

func TestGetJobFallsBackToBroker(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id, err := s.broker.Enqueue(ctx, &models.UpscalePayload{SourceImageURL: "https://x/a.png"}, queue.EnqueueOptions{})
	require.NoError(t, err)

	resp := s.get(t, "/jobs/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st models.JobStatus
	decode(t, resp, &st)
	require.Equal(t, id, st.ID)
	require.Equal(t, models.StatusPending, st.Status)

	_, err = s.cache.SetJobStatus(ctx, models.JobStatus{ID: id, Type: models.JobTypeUpscale, Status: models.StatusActive, Progress: 40})
	require.NoError(t, err)
	resp = s.get(t, "/jobs/"+id)
	decode(t, resp, &st)
	require.Equal(t, models.StatusActive, st.Status)
	require.Equal(t, 40, st.Progress)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusNotFound, s.get(t, "/jobs/nope").StatusCode)
	require.Equal(t, http.StatusNotFound, s.get(t, "/jobs/nope/info").StatusCode)
}

func TestBatchStatus(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	cached, err := s.broker.Enqueue(ctx, &models.UpscalePayload{SourceImageURL: "https://x/a.png"}, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = s.cache.SetJobStatus(ctx, models.JobStatus{ID: cached, Type: models.JobTypeUpscale, Status: models.StatusActive})
	require.NoError(t, err)
	brokerOnly, err := s.broker.Enqueue(ctx, &models.UpscalePayload{SourceImageURL: "https://x/b.png"}, queue.EnqueueOptions{})
	require.NoError(t, err)

	body, _ := json.Marshal(batchStatusRequest{IDs: []string{cached, brokerOnly, "unknown"}})
	resp, err := http.Post(s.http.URL+"/jobs/status", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Jobs map[string]models.JobStatus `json:"jobs"`
	}
	decode(t, resp, &out)
	require.Len(t, out.Jobs, 2)
	require.Equal(t, models.StatusActive, out.Jobs[cached].Status)
	require.Equal(t, models.StatusPending, out.Jobs[brokerOnly].Status)
}

func TestSessionJobsAndStats(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	for _, sess := range []string{"s1", "s1", "s2"} {
		_, err := s.broker.Enqueue(ctx, &models.BackgroundRemovalPayload{SessionID: sess, SourceImageURL: "https://x/a.png"}, queue.EnqueueOptions{})
		require.NoError(t, err)
	}

	var jobs struct {
		Jobs []models.JobInfo `json:"jobs"`
	}
	decode(t, s.get(t, "/sessions/s1/jobs"), &jobs)
	require.Len(t, jobs.Jobs, 2)

	decode(t, s.get(t, "/sessions/none/jobs"), &jobs)
	require.Empty(t, jobs.Jobs)

	var stats models.QueueStats
	decode(t, s.get(t, "/stats"), &stats)
	require.Equal(t, int64(3), stats.Pending)
	require.Equal(t, int64(3), stats.Total)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.get(t, "/healthz").StatusCode)

	s.post(t, "/jobs", `{"type":"upscale","payload":{"sourceImageUrl":"https://x/a.png"}}`)
	resp := s.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `mediaq_jobs_enqueued_total{priority="normal",type="upscale"}`)
}
