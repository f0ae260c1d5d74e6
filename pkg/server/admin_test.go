package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dd0wney/cluso-segrep/pkg/auth"
	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/health"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/pressure"
	"github.com/dd0wney/cluso-segrep/pkg/replication"
	"github.com/dd0wney/cluso-segrep/pkg/shard"
	"github.com/dd0wney/cluso-segrep/pkg/store"
)

type states map[checkpoint.ShardID]replication.StateSnapshot

func (s states) GetSegmentReplicationState(id checkpoint.ShardID) (replication.StateSnapshot, bool) {
	st, ok := s[id]
	return st, ok
}

func newTestAdmin(t *testing.T, hc *health.HealthChecker) (http.Handler, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	id := checkpoint.NewShardID("logs", 0)
	stats, err := pressure.New(pressure.Settings{}, states{id: {ReplicationID: 3, ShardID: id, Stage: replication.StageDone}}, nil, reg)
	if err != nil {
		t.Fatalf("pressure.New: %v", err)
	}
	h := NewAdminHandler(AdminOptions{
		NodeID:  "node-1",
		Metrics: reg,
		Stats:   stats,
		Shards:  func() []checkpoint.ShardID { return []checkpoint.ShardID{id} },
		Health:  hc,
		Logger:  logging.NewNopLogger(),
	})
	return h, reg
}

func TestAdmin_Health(t *testing.T) {
	tests := []struct {
		name       string
		closed     bool
		path       string
		wantStatus int
		wantHealth health.Status
	}{
		{"healthy", false, "/health", http.StatusOK, health.StatusHealthy},
		{"unhealthy", true, "/health", http.StatusServiceUnavailable, health.StatusUnhealthy},
		{"ready", false, "/health/ready", http.StatusOK, health.StatusHealthy},
		{"not live", true, "/health/live", http.StatusServiceUnavailable, health.StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := health.NewHealthChecker("node-1")
			check := health.TransportCheck(func() bool { return tt.closed })
			hc.RegisterCheck("transport", check)
			hc.RegisterReadinessCheck("transport", check)
			hc.RegisterLivenessCheck("transport", check)

			h, _ := newTestAdmin(t, hc)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp health.Response
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantHealth || resp.NodeID != "node-1" {
				t.Errorf("health = %+v", resp)
			}
		})
	}
}

func TestAdmin_HealthWithoutChecker(t *testing.T) {
	h, _ := newTestAdmin(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAdmin_ShardStats(t *testing.T) {
	h, _ := newTestAdmin(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/segment_replication/logs/0", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var got pressure.ShardStats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Replication == nil || got.Replication.ReplicationID != 3 {
		t.Errorf("replication = %+v, want id 3", got.Replication)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/segment_replication/logs/x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad shard status = %d, want 400", rec.Code)
	}
}

func TestAdmin_ListStats(t *testing.T) {
	h, _ := newTestAdmin(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/segment_replication", nil))

	var got []pressure.ShardStats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len(stats) = %d, want 1", len(got))
	}
}

func TestAdmin_MetricsEndpointAndMiddleware(t *testing.T) {
	h, reg := newTestAdmin(t, nil)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "segrep_http_requests_total") {
		t.Error("metrics output does not include the HTTP request counter")
	}
	if got := testutil.ToFloat64(reg.HTTPRequestsTotal.WithLabelValues("GET", "GET /health", "200")); got != 1 {
		t.Errorf("health requests = %v, want 1", got)
	}
}

type segmentSink struct {
	primary checkpoint.ShardID
	got     []byte
}

func (s *segmentSink) WriteSegment(id checkpoint.ShardID, data []byte) (store.FileMetadata, error) {
	switch {
	case id.Index == "missing":
		return store.FileMetadata{}, fmt.Errorf("%w: %s", shard.ErrShardNotFound, id)
	case id != s.primary:
		return store.FileMetadata{}, shard.ErrNotPrimary
	}
	s.got = data
	return store.ChecksumBytes("_1.seg", data), nil
}

func TestAdmin_WriteSegment(t *testing.T) {
	sink := &segmentSink{primary: checkpoint.NewShardID("logs", 0)}
	h := NewAdminHandler(AdminOptions{NodeID: "node-1", Metrics: metrics.NewRegistry(), Segments: sink, Logger: logging.NewNopLogger()})

	tests := []struct {
		path string
		body string
		want int
	}{
		{"/segments/logs/0", "segment bytes", http.StatusCreated},
		{"/segments/logs/1", "segment bytes", http.StatusConflict},
		{"/segments/missing/0", "segment bytes", http.StatusNotFound},
		{"/segments/logs/0", "", http.StatusBadRequest},
		{"/segments/logs/-1", "x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body)))
		if rec.Code != tt.want {
			t.Errorf("POST %s (%q) status = %d, want %d: %s", tt.path, tt.body, rec.Code, tt.want, rec.Body.String())
		}
	}
	if string(sink.got) != "segment bytes" {
		t.Errorf("written = %q", sink.got)
	}

	withoutIngest, _ := newTestAdmin(t, nil)
	rec := httptest.NewRecorder()
	withoutIngest.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/segments/logs/0", strings.NewReader("x")))
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("ingest without writer status = %d", rec.Code)
	}
}

func TestAdmin_WriteSegmentRequiresToken(t *testing.T) {
	jwtManager, err := auth.NewJWTManager("admin-test-secret-at-least-32-characters", time.Minute)
	if err != nil {
		t.Fatalf("NewJWTManager() error = %v", err)
	}
	token := func(role string) string {
		t.Helper()
		s, err := jwtManager.GenerateToken("tester", role)
		if err != nil {
			t.Fatalf("GenerateToken(%s) error = %v", role, err)
		}
		return s
	}
	sink := &segmentSink{primary: checkpoint.NewShardID("logs", 0)}
	h := NewAdminHandler(AdminOptions{
		NodeID:   "node-1",
		Metrics:  metrics.NewRegistry(),
		Segments: sink,
		Auth:     jwtManager,
		Logger:   logging.NewNopLogger(),
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"viewer", "Bearer " + token(auth.RoleViewer), http.StatusForbidden},
		{"ingest", "Bearer " + token(auth.RoleIngest), http.StatusCreated},
		{"admin", "Bearer " + token(auth.RoleAdmin), http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/segments/logs/0", strings.NewReader("segment bytes"))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/segment_replication", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /stats/segment_replication with auth enabled status = %d, want 200", rec.Code)
	}
}
