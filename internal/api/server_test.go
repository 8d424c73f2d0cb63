package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hookgate/internal/auth"
	"github.com/mattjoyce/hookgate/internal/events"
	"github.com/mattjoyce/hookgate/internal/ledger"
	"github.com/mattjoyce/hookgate/internal/log"
	"github.com/mattjoyce/hookgate/internal/observability"
	"github.com/mattjoyce/hookgate/internal/queue"
	"github.com/mattjoyce/hookgate/internal/storage"
)

const (
	adminToken  = "admin-token"
	readerToken = "reader-token"
	eventsToken = "events-token"
)

type adminFixture struct {
	handler http.Handler
	ledger  *ledger.Ledger
	queue   *queue.Queue
	hub     *events.Hub
	metrics *observability.Metrics
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hub := events.NewHub(16)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	l := ledger.New(db, ledger.Options{MaxRetries: 1, Publisher: hub, Logger: log.Discard()})
	q := queue.New(db, queue.Options{})

	srv := New(Config{
		Tokens: []auth.TokenConfig{
			{Token: adminToken, Scopes: []string{auth.ScopeAll}},
			{Token: readerToken, Scopes: []string{auth.ScopeWebhooksRO}},
			{Token: eventsToken, Scopes: []string{auth.ScopeEventsRO}},
		},
	}, l, q, hub, reg, log.Discard())

	return &adminFixture{handler: srv.Handler(), ledger: l, queue: q, hub: hub, metrics: metrics}
}

func (f *adminFixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *adminFixture) failedRow(t *testing.T, eventID string) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.ledger.CreateEvent(ctx, ledger.NewEvent{Provider: "razorpay", EventID: eventID, Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, f.ledger.MarkProcessing(ctx, id))
	status, err := f.ledger.MarkFailed(ctx, id, "boom", false)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, status)
	return id
}

func TestHealthzIsPublic(t *testing.T) {
	f := newAdminFixture(t)
	_, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{DedupeKey: "o:p", LedgerEventID: "x", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.QueueDepth)
}

func TestAuthAndScopes(t *testing.T) {
	f := newAdminFixture(t)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/stats", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/stats", "nope", http.StatusUnauthorized},
		{"reader stats", http.MethodGet, "/stats", readerToken, http.StatusOK},
		{"reader cannot retry", http.MethodPost, "/webhooks/x/retry", readerToken, http.StatusForbidden},
		{"reader cannot stream", http.MethodGet, "/events", readerToken, http.StatusForbidden},
		{"reader cannot scrape", http.MethodGet, "/metrics", readerToken, http.StatusForbidden},
		{"events token cannot list", http.MethodGet, "/webhooks", eventsToken, http.StatusForbidden},
		{"admin scrapes", http.MethodGet, "/metrics", adminToken, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.path, tc.token)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestStats(t *testing.T) {
	f := newAdminFixture(t)
	f.failedRow(t, "evt_1")
	_, err := f.ledger.CreateEvent(context.Background(), ledger.NewEvent{Provider: "razorpay", EventID: "evt_2", Payload: []byte(`{}`)})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/stats", readerToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Ledger.Total)
	assert.Equal(t, 1, resp.Ledger.Failed)
	assert.Equal(t, 1, resp.Ledger.Pending)
	assert.Equal(t, 100.0, resp.Ledger.RetryRate)
	assert.Equal(t, 0, resp.Queue["queued"])
}

func TestListAndGetWebhooks(t *testing.T) {
	f := newAdminFixture(t)
	failedID := f.failedRow(t, "evt_1")
	_, err := f.ledger.CreateEvent(context.Background(), ledger.NewEvent{Provider: "razorpay", EventID: "evt_2", Payload: []byte(`{"secret":"x"}`)})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/webhooks?status=failed&limit=10", readerToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var list WebhookListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Events, 1)
	assert.Equal(t, failedID, list.Events[0].ID)
	assert.Equal(t, "FAILED", list.Events[0].Status)

	rec = f.do(t, http.MethodGet, "/webhooks", readerToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"secret"`)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list.Events, 2)

	rec = f.do(t, http.MethodGet, "/webhooks/"+failedID, readerToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var view WebhookEventView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "evt_1", view.EventID)
	assert.Equal(t, "boom", view.LastError)
	assert.NotEmpty(t, view.PayloadDigest)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/webhooks/missing", readerToken).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/webhooks?status=weird", readerToken).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/webhooks?limit=-1", readerToken).Code)
}

func TestRetryWebhook(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	failedID := f.failedRow(t, "evt_1")

	rec := f.do(t, http.MethodPost, "/webhooks/"+failedID+"/retry", adminToken)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ev, err := f.ledger.Get(ctx, failedID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, ev.Status)
	assert.Zero(t, ev.RetryCount)

	// Only FAILED rows can be reset.
	rec = f.do(t, http.MethodPost, "/webhooks/"+failedID+"/retry", adminToken)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/webhooks/missing/retry", adminToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAdminFixture(t)
	f.metrics.RecordIntake("razorpay", "processed")

	rec := f.do(t, http.MethodGet, "/metrics", adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `hookgate_intake_requests_total{outcome="processed",provider="razorpay"} 1`)
}

func TestEventStreamReplaysAndFollows(t *testing.T) {
	f := newAdminFixture(t)
	f.hub.Publish(events.TypeEventReceived, events.Transition{ID: "a", Status: "PENDING"})

	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+eventsToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readFrame := func() []string {
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return lines
			}
			lines = append(lines, line)
		}
	}

	first := readFrame()
	require.Len(t, first, 3)
	assert.Equal(t, "id: 1", first[0])
	assert.Equal(t, "event: "+events.TypeEventReceived, first[1])

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.hub.Publish(events.TypeEventCompleted, events.Transition{ID: "a", Status: "COMPLETED"})

	second := readFrame()
	require.Len(t, second, 3)
	assert.Equal(t, "id: 2", second[0])
	assert.Contains(t, second[2], `"status":"COMPLETED"`)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(7), parseLastEventID("7"))
}

func TestEventStreamFiltersAndResumes(t *testing.T) {
	f := newAdminFixture(t)
	f.hub.Publish(events.TypeEventReceived, events.Transition{ID: "a", Status: "PENDING"})
	f.hub.Publish(events.TypeJobEnqueued, map[string]string{"job_id": "j1"})
	f.hub.Publish(events.TypeEventFailed, events.Transition{ID: "a", Status: "FAILED"})

	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?types=webhook&since=1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+eventsToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "id: 3\n", line, "since=1 skips the first event and the job event is filtered")
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: "+events.TypeEventFailed+"\n", line)
}
