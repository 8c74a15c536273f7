package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, recorder *Recorder) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rr.Code)
	}
	return rr.Body.String()
}

func TestObserveRequestNormalizesLabels(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("post", "/api/thread_create", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/api/thread_create", 200, 25*time.Millisecond)

	body := scrape(t, recorder)
	expected := `bbj_http_requests_total{method="POST",path="/api/thread_create",status="200"} 2`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got:\n%s", expected, body)
	}
}

func TestObserveRequestCollapsesIdentifiers(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("GET", "/threads/3f0c9a4c2e6d48b3a1f57c880d9e2b41", 200, time.Millisecond)

	body := scrape(t, recorder)
	if !strings.Contains(body, `path="/threads/:id"`) {
		t.Fatalf("expected identifier segment to collapse to :id, got:\n%s", body)
	}
}

func TestObserveMethodCallOutcomes(t *testing.T) {
	recorder := New()
	recorder.ObserveMethodCall("thread_index", false)
	recorder.ObserveMethodCall("thread_index", false)
	recorder.ObserveMethodCall("thread_index", true)

	body := scrape(t, recorder)
	if !strings.Contains(body, `bbj_method_calls_total{name="thread_index",outcome="ok"} 2`) {
		t.Fatalf("expected two ok calls, got:\n%s", body)
	}
	if !strings.Contains(body, `bbj_method_calls_total{name="thread_index",outcome="error"} 1`) {
		t.Fatalf("expected one error call, got:\n%s", body)
	}
}

func TestObserveDomainFailureAndIncidents(t *testing.T) {
	recorder := New()
	recorder.ObserveDomainFailure("edit_post", "permission_denied")
	recorder.ObserveIncident()
	recorder.ObserveAnonymousPost()

	body := scrape(t, recorder)
	if !strings.Contains(body, `bbj_domain_failures_total{kind="permission_denied",name="edit_post"} 1`) {
		t.Fatalf("expected domain failure counter, got:\n%s", body)
	}
	if !strings.Contains(body, "bbj_incidents_total 1") {
		t.Fatalf("expected incident counter, got:\n%s", body)
	}
	if !strings.Contains(body, "bbj_anonymous_posts_total 1") {
		t.Fatalf("expected anonymous post counter, got:\n%s", body)
	}
}

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	body := scrape(t, recorder)
	expected := `bbj_http_requests_total{method="GET",path="/healthz",status="418"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got:\n%s", expected, body)
	}
}
