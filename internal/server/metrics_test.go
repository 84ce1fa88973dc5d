package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsMiddlewareLabelsByRouteTemplate(t *testing.T) {
	server := newTestServer(t, nil)
	note := mustCreateNote(t, server.notes, "owner", "Plan")

	server.do(t, http.MethodGet, "/notes/"+note.NoteID, "owner", "")
	server.do(t, http.MethodGet, "/notes/missing", "owner", "")

	expected := `
# HELP notesync_http_requests_total Total number of HTTP requests
# TYPE notesync_http_requests_total counter
notesync_http_requests_total{method="GET",route="/notes/:id",status="200"} 1
notesync_http_requests_total{method="GET",route="/notes/:id",status="404"} 1
`
	if err := testutil.GatherAndCompare(server.registry, strings.NewReader(expected), "notesync_http_requests_total"); err != nil {
		t.Fatalf("unexpected request metrics: %v", err)
	}
}

func TestMetricsEndpointExposesRealtimeCollectors(t *testing.T) {
	server := newTestServer(t, nil)
	server.hub.Connect("owner", "test")

	recorder := server.do(t, http.MethodGet, "/metrics", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, "notesync_realtime_connections 1") {
		t.Fatalf("expected connection gauge in exposition, got:\n%s", body)
	}
}
