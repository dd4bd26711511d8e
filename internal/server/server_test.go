package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"livewatch/internal/broadcast"
	"livewatch/internal/config"
	"livewatch/internal/metrics"
	"livewatch/internal/models"
	"livewatch/internal/monitor"
	"livewatch/internal/storage"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeStatus struct {
	mu      sync.Mutex
	history []models.Verdict
	latest  *models.Update
	stats   monitor.Stats
}

func (f *fakeStatus) Snapshot() models.MetricsSnapshot {
	return metrics.Compute(f.History(), testNow)
}

func (f *fakeStatus) History() []models.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Verdict(nil), f.history...)
}

func (f *fakeStatus) Latest() (models.Update, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return models.Update{}, false
	}
	return *f.latest, true
}

func (f *fakeStatus) Stats() monitor.Stats { return f.stats }

type fakeIntervals struct {
	mu      sync.Mutex
	seconds int
	err     error
}

func (f *fakeIntervals) CheckInterval(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seconds, f.err
}

func (f *fakeIntervals) SetCheckInterval(_ context.Context, seconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seconds <= 0 {
		return storage.ErrInvalidInterval
	}
	if f.err != nil {
		return f.err
	}
	f.seconds = seconds
	return nil
}

type fakeLog struct {
	content []byte
	err     error
}

func (f fakeLog) ReadAll() ([]byte, error) { return f.content, f.err }

type fixture struct {
	status    *fakeStatus
	intervals *fakeIntervals
	hub       *broadcast.Broadcaster
	server    *Server
}

func newFixture(t *testing.T, auth config.AuthConfig, logs LogFile) *fixture {
	t.Helper()
	f := &fixture{
		status:    &fakeStatus{},
		intervals: &fakeIntervals{seconds: 10},
		hub:       broadcast.New(zap.NewNop(), 4),
	}
	f.server = New(Options{
		Auth:           auth,
		AllowedOrigins: []string{"*"},
		WriteTimeout:   time.Second,
		Now:            func() time.Time { return testNow },
	}, f.status, f.intervals, f.hub, logs, zap.NewNop())
	return f
}

func (f *fixture) do(t *testing.T, method, path, body, password string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if password != "" {
		req.SetBasicAuth("admin", password)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["detail"]
}

func TestAuthEndpoint(t *testing.T) {
	f := newFixture(t, config.AuthConfig{Password: "s3cret"}, fakeLog{})

	tests := []struct {
		name     string
		password string
		status   int
		detail   string
	}{
		{"no credentials", "", http.StatusUnauthorized, "Not authenticated"},
		{"wrong password", "nope", http.StatusUnauthorized, "Invalid password"},
		{"correct password", "s3cret", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/auth", "", tt.password)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Basic") {
					t.Errorf("missing challenge header, got %q", got)
				}
				if got := decodeDetail(t, rec); got != tt.detail {
					t.Errorf("detail = %q, want %q", got, tt.detail)
				}
				return
			}
			if strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestAuthWithoutConfiguredPasswordRejects(t *testing.T) {
	f := newFixture(t, config.AuthConfig{}, fakeLog{})
	rec := f.do(t, http.MethodGet, "/api/auth", "", "anything")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthWithBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, config.AuthConfig{Password: "plain", PasswordHash: string(hash)}, fakeLog{})

	if rec := f.do(t, http.MethodGet, "/api/auth", "", "hashed"); rec.Code != http.StatusOK {
		t.Fatalf("hash match status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/auth", "", "plain"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("hash should take precedence, status = %d", rec.Code)
	}
}

func TestDownloadLogs(t *testing.T) {
	content := []byte("line one\nline two\n")
	f := newFixture(t, config.AuthConfig{Password: "pw"}, fakeLog{content: content})

	if rec := f.do(t, http.MethodGet, "/download-logs", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/download-logs", "", "pw")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Errorf("body = %q, want verbatim log", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}

func TestDownloadLogsReadFailure(t *testing.T) {
	f := newFixture(t, config.AuthConfig{Password: "pw"}, fakeLog{err: errors.New("permission denied")})
	rec := f.do(t, http.MethodGet, "/download-logs", "", "pw")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decodeDetail(t, rec); got != "Error downloading logs" {
		t.Errorf("detail = %q", got)
	}
}

func TestIntervalEndpoints(t *testing.T) {
	f := newFixture(t, config.AuthConfig{Password: "pw"}, fakeLog{})

	rec := f.do(t, http.MethodGet, "/api/interval", "", "pw")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"check_interval":10}` {
		t.Fatalf("get interval = %d %q", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPut, "/api/interval", `{"check_interval":30}`, "pw")
	if rec.Code != http.StatusOK {
		t.Fatalf("put interval status = %d: %s", rec.Code, rec.Body.String())
	}
	if got, _ := f.intervals.CheckInterval(context.Background()); got != 30 {
		t.Fatalf("stored interval = %d, want 30", got)
	}

	tests := []struct {
		name   string
		method string
		body   string
		pw     string
		status int
	}{
		{"zero rejected", http.MethodPut, `{"check_interval":0}`, "pw", http.StatusUnprocessableEntity},
		{"negative rejected", http.MethodPost, `{"check_interval":-5}`, "pw", http.StatusUnprocessableEntity},
		{"malformed body", http.MethodPut, `{"check_interval":`, "pw", http.StatusBadRequest},
		{"unknown field", http.MethodPut, `{"interval":5}`, "pw", http.StatusBadRequest},
		{"unauthenticated", http.MethodPut, `{"check_interval":5}`, "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, "/api/interval", tt.body, tt.pw)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
	if got, _ := f.intervals.CheckInterval(context.Background()); got != 30 {
		t.Fatalf("rejected updates must not change the interval, got %d", got)
	}
}

func TestStatusAndTimeline(t *testing.T) {
	f := newFixture(t, config.AuthConfig{}, fakeLog{})
	f.status.history = []models.Verdict{
		models.Up(testNow.Add(-3*time.Hour), time.Millisecond),
		models.Down(testNow.Add(-2*time.Hour), "log file not updated"),
		models.Up(testNow.Add(-time.Hour), time.Millisecond),
	}

	rec := f.do(t, http.MethodGet, "/api/status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var snap models.MetricsSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if !snap.Status || snap.Samples24h != 3 {
		t.Errorf("snapshot = %+v", snap)
	}

	rec = f.do(t, http.MethodGet, "/api/timeline?hours=4&points=4", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("timeline code = %d", rec.Code)
	}
	var timeline struct {
		Points []models.TimelinePoint `json:"points"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &timeline); err != nil {
		t.Fatal(err)
	}
	if len(timeline.Points) != 4 {
		t.Fatalf("points = %d, want 4", len(timeline.Points))
	}
	total := 0
	for _, p := range timeline.Points {
		total += p.Samples
	}
	if total != 3 {
		t.Errorf("samples across timeline = %d, want 3", total)
	}
}

func TestChartEndpoint(t *testing.T) {
	f := newFixture(t, config.AuthConfig{}, fakeLog{})

	rec := f.do(t, http.MethodGet, "/api/uptime/chart.png", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty history status = %d, want 404", rec.Code)
	}

	for i := 0; i < 24; i++ {
		f.status.history = append(f.status.history, models.Up(testNow.Add(-time.Duration(i)*time.Hour-time.Minute), 0))
	}
	rec = f.do(t, http.MethodGet, "/api/uptime/chart.png?hours=24", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, config.AuthConfig{}, fakeLog{})
	f.status.stats = monitor.Stats{Ticks: 7, IntervalSeconds: 10}

	rec := f.do(t, http.MethodGet, "/api/health", "", "")
	var body struct {
		Status    string        `json:"status"`
		Observers int           `json:"observers"`
		Loop      monitor.Stats `json:"loop"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Loop.Ticks != 7 || body.Observers != 0 {
		t.Errorf("health = %+v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, config.AuthConfig{}, fakeLog{})
	req := httptest.NewRequest(http.MethodOptions, "/api/auth", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Errorf("allow origin = %q", got)
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) models.Update {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var u models.Update
	if err := conn.ReadJSON(&u); err != nil {
		t.Fatalf("read update: %v", err)
	}
	return u
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketReceivesLatestAndBroadcasts(t *testing.T) {
	f := newFixture(t, config.AuthConfig{}, fakeLog{})
	f.status.latest = &models.Update{
		Status: models.MetricsSnapshot{Status: true, Uptime24h: 100, LastUpdated: "first"},
		Logs:   []models.LogEntry{{Message: "boot"}},
	}
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv)
	first := readUpdate(t, conn)
	if first.Status.LastUpdated != "first" || len(first.Logs) != 1 {
		t.Fatalf("initial update = %+v", first)
	}
	waitFor(t, func() bool { return f.hub.Len() == 1 })

	// inbound frames are ignored
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}

	delivered := f.hub.Publish(context.Background(), models.Update{
		Status: models.MetricsSnapshot{Status: false, LastUpdated: "second"},
		Logs:   []models.LogEntry{},
	})
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	second := readUpdate(t, conn)
	if second.Status.LastUpdated != "second" || second.Status.Status {
		t.Fatalf("broadcast update = %+v", second)
	}
}

func TestWebSocketDetachOnDisconnect(t *testing.T) {
	f := newFixture(t, config.AuthConfig{}, fakeLog{})
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv)
	waitFor(t, func() bool { return f.hub.Len() == 1 })

	conn.Close()
	waitFor(t, func() bool { return f.hub.Len() == 0 })

	if got := f.hub.Publish(context.Background(), models.Update{}); got != 0 {
		t.Fatalf("delivered = %d after disconnect, want 0", got)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t, config.AuthConfig{}, fakeLog{})
	f.status.history = []models.Verdict{
		models.Down(testNow.Add(-2*time.Minute), "log file is empty: app.log"),
		models.Up(testNow.Add(-time.Minute), 1500*time.Millisecond),
	}

	rec := f.do(t, http.MethodGet, "/api/history?limit=1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d verdicts, want 1", len(got))
	}
	if got[0]["status"] != true || got[0]["response_time"] != 1.5 {
		t.Errorf("verdict = %v", got[0])
	}
	if _, ok := got[0]["error_message"]; ok {
		t.Errorf("error_message should be omitted for a passing verdict: %v", got[0])
	}

	rec = f.do(t, http.MethodGet, "/api/history", "", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0]["error_message"] != "log file is empty: app.log" {
		t.Errorf("history = %v", got)
	}
	if _, ok := got[0]["response_time"]; ok {
		t.Errorf("response_time should be omitted for a failing verdict: %v", got[0])
	}
}
