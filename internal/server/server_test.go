package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casefile-hq/casefile/internal/jobqueue"
	"github.com/casefile-hq/casefile/internal/types"
)

const (
	tokenA = "token-alpha"
	tokenB = "token-beta"
)

func newTestServer(t *testing.T) (*httptest.Server, *jobqueue.MemoryQueue) {
	t.Helper()
	q := jobqueue.NewMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })

	s, err := NewServer(ServerConfig{Queue: q, APITokens: []string{tokenA, tokenB}})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, q
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func sampleTranscript(id string) *types.Transcript {
	return &types.Transcript{
		ID:        id,
		Title:     "Weekly Sync",
		Body:      "Nothing happened.",
		Timestamp: time.Now().UTC(),
	}
}

func TestServerRequiresConfig(t *testing.T) {
	q := jobqueue.NewMemoryQueue()
	defer q.Close()

	_, err := NewServer(ServerConfig{Queue: q})
	assert.Error(t, err)
	_, err = NewServer(ServerConfig{APITokens: []string{"x"}})
	assert.Error(t, err)
	_, err = NewServer(ServerConfig{Queue: q, APITokens: []string{""}})
	assert.Error(t, err)
}

func TestServerRejectsBadAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/transcripts/process", "",
		ProcessRequest{Transcript: sampleTranscript("tr-1")})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.NotEmpty(t, body.CorrelationID)

	resp = doJSON(t, http.MethodPost, srv.URL+"/transcripts/process", "wrong-token",
		ProcessRequest{Transcript: sampleTranscript("tr-1")})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestServerSubmitAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/transcripts/process", tokenA,
		ProcessRequest{Transcript: sampleTranscript("tr-1")})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[SubmitResponse](t, resp)
	require.NotEmpty(t, accepted.JobID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/jobs/"+accepted.JobID, tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[types.Job](t, resp)
	assert.Equal(t, types.JobPending, job.State)
	assert.Equal(t, 1, job.Progress.Total)
}

func TestServerBatchSubmit(t *testing.T) {
	srv, q := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/transcripts/batch", tokenA, BatchRequest{
		Transcripts: []*types.Transcript{sampleTranscript("tr-1"), sampleTranscript("tr-2")},
		BatchSize:   2,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[SubmitResponse](t, resp)

	job, err := q.Status(context.Background(), tokenA, accepted.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Progress.Total)
}

func TestServerValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	// Missing transcript.
	resp := doJSON(t, http.MethodPost, srv.URL+"/transcripts/process", tokenA, ProcessRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "validation", body.Kind)
	assert.NotEmpty(t, body.CorrelationID)

	// Malformed JSON.
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/transcripts/process",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokenA)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	raw.Body.Close()

	// Empty batch fails queue validation.
	resp = doJSON(t, http.MethodPost, srv.URL+"/transcripts/batch", tokenA, BatchRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Wrong method.
	resp = doJSON(t, http.MethodGet, srv.URL+"/transcripts/process", tokenA, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

// Another token's jobs are invisible: status, result, and cancel all 404.
func TestServerOwnerIsolation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/transcripts/process", tokenA,
		ProcessRequest{Transcript: sampleTranscript("tr-1")})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[SubmitResponse](t, resp)

	for _, path := range []string{
		"/jobs/" + accepted.JobID,
		"/jobs/" + accepted.JobID + "/result",
	} {
		resp := doJSON(t, http.MethodGet, srv.URL+path, tokenB, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		resp.Body.Close()
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/jobs/"+accepted.JobID+"/cancel", tokenB, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestServerResultNotReadyThenAvailable(t *testing.T) {
	srv, q := newTestServer(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, tokenA, &jobqueue.Request{
		Transcripts: []*types.Transcript{sampleTranscript("tr-1")},
	})
	require.NoError(t, err)

	resp := doJSON(t, http.MethodGet, srv.URL+"/jobs/"+id+"/result", tokenA, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Drive the job to completion through the queue directly.
	ok, err := q.Cancel(ctx, tokenA, id)
	require.NoError(t, err)
	require.True(t, ok)

	resp = doJSON(t, http.MethodGet, srv.URL+"/jobs/"+id, tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[types.Job](t, resp)
	assert.Equal(t, types.JobCancelled, job.State)
}

func TestServerCancelConflictOnTerminal(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/transcripts/process", tokenA,
		ProcessRequest{Transcript: sampleTranscript("tr-1")})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[SubmitResponse](t, resp)

	resp = doJSON(t, http.MethodPost, srv.URL+"/jobs/"+accepted.JobID+"/cancel", tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/jobs/"+accepted.JobID+"/cancel", tokenA, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestServerListJobs(t *testing.T) {
	srv, _ := newTestServer(t)

	var ids []string
	for i := 0; i < 3; i++ {
		resp := doJSON(t, http.MethodPost, srv.URL+"/transcripts/process", tokenA,
			ProcessRequest{Transcript: sampleTranscript(fmt.Sprintf("tr-%d", i))})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		ids = append(ids, decode[SubmitResponse](t, resp).JobID)
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/jobs/"+ids[0]+"/cancel", tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/jobs", tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decode[map[string][]types.Job](t, resp)
	assert.Len(t, listing["jobs"], 3)

	resp = doJSON(t, http.MethodGet, srv.URL+"/jobs?state=pending", tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing = decode[map[string][]types.Job](t, resp)
	assert.Len(t, listing["jobs"], 2)

	resp = doJSON(t, http.MethodGet, srv.URL+"/jobs?state=bogus", tokenA, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Other tokens see nothing.
	resp = doJSON(t, http.MethodGet, srv.URL+"/jobs", tokenB, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing = decode[map[string][]types.Job](t, resp)
	assert.Empty(t, listing["jobs"])
}

func TestServerHealthAndReadiness(t *testing.T) {
	srv, q := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, q.Close())
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestServerMetricsSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/transcripts/process", tokenA,
		ProcessRequest{Transcript: sampleTranscript("tr-1")})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/metrics", tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snapshot := decode[map[string]map[string]int](t, resp)
	assert.Equal(t, 1, snapshot["jobs"]["pending"])

	resp = doJSON(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestServerUnknownJobActions(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/jobs/some-id/unknown", tokenA, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/jobs/no-such-id", tokenA, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
