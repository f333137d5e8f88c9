package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/thumbdata/internal/domain"
	"github.com/dunamismax/thumbdata/internal/queue"
	"github.com/dunamismax/thumbdata/internal/ratelimit"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

type fakeEnqueuer struct {
	payloads []queue.ObjectFinalizedPayload
	seen     map[string]bool
	err      error
}

func (f *fakeEnqueuer) EnqueueObjectFinalized(_ context.Context, payload queue.ObjectFinalizedPayload) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	id := payload.Event.TaskID()
	if id != "" && f.seen[id] {
		return nil, asynq.ErrTaskIDConflict
	}
	f.seen[id] = true
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: id, Queue: "default"}, nil
}

type fixedLimiter struct {
	allowed  bool
	subjects []string
}

func (l *fixedLimiter) Allow(_ context.Context, subject string) (ratelimit.Decision, error) {
	l.subjects = append(l.subjects, subject)
	if l.allowed {
		return ratelimit.Decision{Allowed: true, Remaining: 9}, nil
	}
	return ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}, nil
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeIngest(t *testing.T, rec *httptest.ResponseRecorder) ingestResponse {
	t.Helper()
	var resp ingestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

const minioBody = `{
	"EventName": "s3:ObjectCreated:Put",
	"Records": [
		{"eventName": "s3:ObjectCreated:Put", "s3": {"bucket": {"name": "photos"}, "object": {"key": "a.jpg", "sequencer": "10"}}},
		{"eventName": "s3:ObjectRemoved:Delete", "s3": {"bucket": {"name": "photos"}, "object": {"key": "b.jpg", "sequencer": "11"}}},
		{"eventName": "s3:ObjectCreated:Put", "s3": {"bucket": {"name": "photos"}, "object": {"key": "a.jpg.thumbdata", "sequencer": "12"}}}
	]
}`

func TestMinIONotificationEnqueuesProcessableEvents(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	srv := NewServer(zerolog.Nop(), enqueuer, Options{})

	rec := post(t, srv.Handler(), "/v1/notifications/minio", minioBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decodeIngest(t, rec)
	if resp.Enqueued != 1 || resp.Skipped != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(enqueuer.payloads) != 1 || enqueuer.payloads[0].Event.Name != "a.jpg" {
		t.Fatalf("unexpected enqueued payloads %+v", enqueuer.payloads)
	}
	if enqueuer.payloads[0].Event.Trigger != domain.TriggerMinIO {
		t.Fatalf("expected minio trigger, got %q", enqueuer.payloads[0].Event.Trigger)
	}
}

func TestRedeliveredNotificationIsDuplicate(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	h := NewServer(zerolog.Nop(), enqueuer, Options{}).Handler()

	post(t, h, "/v1/notifications/minio", minioBody)
	rec := post(t, h, "/v1/notifications/minio", minioBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if resp := decodeIngest(t, rec); resp.Enqueued != 0 || resp.Duplicates != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestGCSNotificationAcceptsPushAndRawObject(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte(`{"bucket":"photos","name":"cat.jpg","generation":"5","metageneration":"1"}`))
	push := fmt.Sprintf(`{"message":{"attributes":{"eventType":"OBJECT_FINALIZE","bucketId":"photos","objectId":"cat.jpg"},"data":%q}}`, data)
	raw := `{"bucket":"photos","name":"dog.jpg","generation":"6","metageneration":"1"}`
	update := `{"bucket":"photos","name":"dog.jpg","generation":"6","metageneration":"2"}`

	enqueuer := &fakeEnqueuer{}
	h := NewServer(zerolog.Nop(), enqueuer, Options{}).Handler()

	for _, body := range []string{push, raw} {
		rec := post(t, h, "/v1/notifications/gcs", body)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
	}
	rec := post(t, h, "/v1/notifications/gcs", update)
	if resp := decodeIngest(t, rec); resp.Skipped != 1 || resp.Enqueued != 0 {
		t.Fatalf("expected metadata update to be skipped, got %+v", resp)
	}

	if len(enqueuer.payloads) != 2 {
		t.Fatalf("expected 2 enqueued events, got %d", len(enqueuer.payloads))
	}
	if enqueuer.payloads[0].Event.Name != "cat.jpg" || enqueuer.payloads[1].Event.Name != "dog.jpg" {
		t.Fatalf("unexpected payloads %+v", enqueuer.payloads)
	}
}

func TestMalformedNotificationsAreRejected(t *testing.T) {
	h := NewServer(zerolog.Nop(), &fakeEnqueuer{}, Options{}).Handler()

	cases := map[string]string{
		"/v1/notifications/gcs":   `{"bucket":"photos"}`,
		"/v1/notifications/minio": `not json`,
	}
	for path, body := range cases {
		if rec := post(t, h, path, body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
	if rec := post(t, h, "/v1/notifications/minio", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body: expected 400, got %d", rec.Code)
	}
}

func TestEnqueueFailureReturns500(t *testing.T) {
	h := NewServer(zerolog.Nop(), &fakeEnqueuer{err: errors.New("redis down")}, Options{}).Handler()

	if rec := post(t, h, "/v1/notifications/minio", minioBody); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRateLimitRejectsNotifications(t *testing.T) {
	limiter := &fixedLimiter{allowed: false}
	h := NewServer(zerolog.Nop(), &fakeEnqueuer{}, Options{
		RateLimiter:            limiter,
		RateLimitSubjectHeader: "X-Forwarded-For",
	}).Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/minio", strings.NewReader(minioBody))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}
	if len(limiter.subjects) != 1 || limiter.subjects[0] != "203.0.113.7:/v1/notifications/minio" {
		t.Fatalf("unexpected subjects %v", limiter.subjects)
	}

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("expected healthz to bypass rate limit, got %d", health.Code)
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	h := NewServer(zerolog.Nop(), &fakeEnqueuer{}, Options{}).Handler()
	post(t, h, "/v1/notifications/minio", minioBody)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for _, want := range []string{"thumbdata_api_requests_total", "thumbdata_api_events_skipped_total"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("expected %s in metrics output", want)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/v1/notifications/gcs":   "/v1/notifications/gcs",
		"/v1/notifications/minio": "/v1/notifications/minio",
		"/v1/notifications/s3":    "/v1/other",
		"/healthz":                "/healthz",
		"/favicon.ico":            "other",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
