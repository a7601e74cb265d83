package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dopejs/tally/internal/app"
	"github.com/dopejs/tally/internal/config"
	"github.com/dopejs/tally/internal/history"
	"github.com/dopejs/tally/internal/state"
	gosync "github.com/dopejs/tally/internal/sync"
	"github.com/gorilla/websocket"
)

type online struct{}

func (online) Online() bool { return true }
func (online) OnWiFi() bool { return true }

var _ gosync.NetworkChecker = online{}

func fixedNow() time.Time {
	return time.Date(2024, 6, 12, 10, 0, 0, 0, time.UTC)
}

// setupTestServer opens an app on a temp dir. configure runs against the
// config store before the app is opened.
func setupTestServer(t *testing.T, configure func(dir string, cfg *config.Store)) (*Server, *app.App) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.NewStore(filepath.Join(dir, "tally.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if configure != nil {
		configure(dir, cfg)
	}
	logger := log.New(io.Discard, "", 0)
	a, err := app.Open(app.Options{
		Config:    cfg,
		StateDir:  filepath.Join(dir, "state"),
		HistoryDB: filepath.Join(dir, "history.db"),
		MetaPath:  filepath.Join(dir, "sync_meta.json"),
		Network:   online{},
		Now:       fixedNow,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("app.Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return NewServer(a, "1.0.0-test", logger, 0), a
}

func doRequest(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := setupTestServer(t, nil)
	w := doRequest(s, "GET", "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	decodeJSON(t, w, &resp)
	if resp["status"] != "ok" || resp["version"] != "1.0.0-test" {
		t.Errorf("health = %v", resp)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestHealthMethodNotAllowed(t *testing.T) {
	s, _ := setupTestServer(t, nil)
	w := doRequest(s, "POST", "/api/v1/health", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestGetState(t *testing.T) {
	s, _ := setupTestServer(t, nil)
	w := doRequest(s, "GET", "/api/v1/state", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp stateResponse
	decodeJSON(t, w, &resp)
	if resp.Period.CurrentDayDate != "2024-06-12" || resp.Period.CurrentWeekStartDate != "2024-06-09" {
		t.Errorf("period = %s / %s", resp.Period.CurrentDayDate, resp.Period.CurrentWeekStartDate)
	}
}

func TestPostCounts(t *testing.T) {
	s, a := setupTestServer(t, nil)

	w := doRequest(s, "POST", "/api/v1/counts", map[string]interface{}{"goal": "beans"})
	if w.Code != http.StatusOK {
		t.Fatalf("increment status = %d: %s", w.Code, w.Body.String())
	}
	w = doRequest(s, "POST", "/api/v1/counts", map[string]interface{}{"goal": "beans", "delta": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("delta status = %d: %s", w.Code, w.Body.String())
	}
	var resp stateResponse
	decodeJSON(t, w, &resp)
	if got := resp.Period.DailyCounts["2024-06-12"]["beans"]; got != 3 {
		t.Errorf("beans = %d, want 3", got)
	}
	if resp.Revision != a.State.Revision() {
		t.Errorf("revision = %d, store at %d", resp.Revision, a.State.Revision())
	}

	w = doRequest(s, "POST", "/api/v1/counts", map[string]interface{}{"goal": "nuts", "date": "2024-06-10", "count": 4})
	if w.Code != http.StatusOK {
		t.Fatalf("set status = %d: %s", w.Code, w.Body.String())
	}
	p := a.State.Get()
	if p.DailyCounts["2024-06-10"]["nuts"] != 4 || p.WeeklyCounts["nuts"] != 4 {
		t.Errorf("nuts daily=%d weekly=%d", p.DailyCounts["2024-06-10"]["nuts"], p.WeeklyCounts["nuts"])
	}

	w = doRequest(s, "POST", "/api/v1/counts", map[string]interface{}{"goal": "nuts", "count": 0})
	if w.Code != http.StatusOK {
		t.Fatalf("zero count status = %d", w.Code)
	}
}

func TestPostCountsRejectsBadInput(t *testing.T) {
	s, a := setupTestServer(t, nil)
	before := a.State.Revision()

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"unknown goal", map[string]interface{}{"goal": "pizza"}, http.StatusBadRequest},
		{"empty goal", map[string]interface{}{}, http.StatusBadRequest},
		{"future date", map[string]interface{}{"goal": "beans", "date": "2024-06-13"}, http.StatusBadRequest},
		{"previous week", map[string]interface{}{"goal": "beans", "date": "2024-06-08"}, http.StatusBadRequest},
		{"malformed date", map[string]interface{}{"goal": "beans", "date": "June 12"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(s, "POST", "/api/v1/counts", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/v1/counts", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON status = %d", w.Code)
	}
	if w := doRequest(s, "GET", "/api/v1/counts", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", w.Code)
	}
	if a.State.Revision() != before {
		t.Error("rejected requests changed the period")
	}
}

func TestSelectDate(t *testing.T) {
	s, a := setupTestServer(t, nil)
	w := doRequest(s, "PUT", "/api/v1/state/selected-date", map[string]string{"date": "2024-06-10"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := a.State.Get().SelectedTrackerDate; got != "2024-06-10" {
		t.Errorf("selected = %s", got)
	}

	// An increment without a date lands on the selected day.
	doRequest(s, "POST", "/api/v1/counts", map[string]interface{}{"goal": "greens"})
	if got := a.State.Get().DailyCounts["2024-06-10"]["greens"]; got != 1 {
		t.Errorf("greens on selected day = %d", got)
	}

	w = doRequest(s, "PUT", "/api/v1/state/selected-date", map[string]string{"date": "2024-06-20"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("future select status = %d", w.Code)
	}
}

func TestCatalog(t *testing.T) {
	s, a := setupTestServer(t, nil)
	w := doRequest(s, "GET", "/api/v1/catalog", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Goals []struct {
			ID           string `json:"id"`
			Target       int    `json:"target"`
			WeeklyTarget int    `json:"weekly_target"`
		} `json:"goals"`
	}
	decodeJSON(t, w, &resp)
	if len(resp.Goals) != len(a.Catalog.Goals()) {
		t.Fatalf("got %d goals, want %d", len(resp.Goals), len(a.Catalog.Goals()))
	}
	for _, g := range resp.Goals {
		if g.ID == "beans" && g.WeeklyTarget != g.Target*7 {
			t.Errorf("beans weekly target = %d", g.WeeklyTarget)
		}
	}
}

func seedWeek(t *testing.T, a *app.App, start string, totals map[string]int) {
	t.Helper()
	w := history.Week{
		WeekStartDate: start,
		Totals:        totals,
		Metadata:      history.WeekMetadata{UpdatedAt: 1, ArchivedAt: 1},
	}
	if err := a.History.Put(context.Background(), w); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestHistoryList(t *testing.T) {
	s, a := setupTestServer(t, nil)

	w := doRequest(s, "GET", "/api/v1/history", nil)
	var empty struct {
		Weeks []history.Week `json:"weeks"`
	}
	decodeJSON(t, w, &empty)
	if empty.Weeks == nil || len(empty.Weeks) != 0 {
		t.Errorf("empty archive = %v", empty.Weeks)
	}

	seedWeek(t, a, "2024-05-26", map[string]int{"beans": 10})
	seedWeek(t, a, "2024-06-02", map[string]int{"beans": 12})

	w = doRequest(s, "GET", "/api/v1/history?limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Weeks []history.Week `json:"weeks"`
	}
	decodeJSON(t, w, &resp)
	if len(resp.Weeks) != 1 || resp.Weeks[0].WeekStartDate != "2024-06-02" {
		t.Errorf("limit=1 returned %+v", resp.Weeks)
	}

	if w := doRequest(s, "GET", "/api/v1/history?limit=abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}

func TestHistoryWeek(t *testing.T) {
	s, a := setupTestServer(t, nil)
	seedWeek(t, a, "2024-06-02", map[string]int{"beans": 12, "nuts": 3})

	w := doRequest(s, "GET", "/api/v1/history/2024-06-02", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = doRequest(s, "PUT", "/api/v1/history/2024-06-02", map[string]interface{}{"goal": "nuts", "total": 6})
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", w.Code, w.Body.String())
	}
	var week history.Week
	decodeJSON(t, w, &week)
	if week.Totals["nuts"] != 6 || week.Totals["beans"] != 12 {
		t.Errorf("totals = %v", week.Totals)
	}
	if a.State.Get().Metadata.HistorySync != state.Dirty {
		t.Error("history not flagged for sync")
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"missing week", "GET", "/api/v1/history/2023-01-01", nil, http.StatusNotFound},
		{"edit missing week", "PUT", "/api/v1/history/2023-01-01", map[string]interface{}{"goal": "nuts", "total": 1}, http.StatusNotFound},
		{"unknown goal", "PUT", "/api/v1/history/2024-06-02", map[string]interface{}{"goal": "pizza", "total": 1}, http.StatusBadRequest},
		{"negative total", "PUT", "/api/v1/history/2024-06-02", map[string]interface{}{"goal": "nuts", "total": -1}, http.StatusBadRequest},
		{"delete", "DELETE", "/api/v1/history/2024-06-02", nil, http.StatusMethodNotAllowed},
		{"nested path", "GET", "/api/v1/history/2024-06-02/x", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(s, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestSyncNotConfigured(t *testing.T) {
	s, _ := setupTestServer(t, nil)

	w := doRequest(s, "POST", "/api/v1/sync", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("sync status = %d, want 400", w.Code)
	}

	w = doRequest(s, "GET", "/api/v1/sync/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	var st gosync.Status
	decodeJSON(t, w, &st)
	if st.Configured || st.Phase != "idle" {
		t.Errorf("status = %+v", st)
	}
}

func TestSyncWithLocalBackend(t *testing.T) {
	var remote string
	s, _ := setupTestServer(t, func(dir string, cfg *config.Store) {
		remote = filepath.Join(dir, "remote")
		if err := os.MkdirAll(remote, 0755); err != nil {
			t.Fatal(err)
		}
		if err := cfg.SetSyncConfig(&config.SyncConfig{Backend: config.BackendLocal, Dir: remote}); err != nil {
			t.Fatalf("SetSyncConfig: %v", err)
		}
	})

	doRequest(s, "POST", "/api/v1/counts", map[string]interface{}{"goal": "beans"})
	w := doRequest(s, "POST", "/api/v1/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sync status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Ran    bool          `json:"ran"`
		Status gosync.Status `json:"status"`
	}
	decodeJSON(t, w, &resp)
	if !resp.Ran || !resp.Status.Configured || resp.Status.LastSyncAt == 0 {
		t.Errorf("sync response = %+v", resp)
	}
	entries, err := os.ReadDir(remote)
	if err != nil || len(entries) == 0 {
		t.Errorf("nothing written to the remote dir (err=%v)", err)
	}
}

func TestSyncStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{app.ErrSyncNotConfigured, http.StatusBadRequest},
		{gosync.ErrNetworkConstraint, http.StatusServiceUnavailable},
		{&gosync.AuthError{Provider: "webdav", Status: 401}, http.StatusUnauthorized},
		{gosync.ErrPassphraseRequired, http.StatusUnauthorized},
		{&gosync.RateLimitError{Provider: "gist"}, http.StatusTooManyRequests},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := syncStatusCode(tt.err); got != tt.want {
			t.Errorf("syncStatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestEventsFeed(t *testing.T) {
	s, _ := setupTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("initial event: %v", err)
	}
	if ev.Type != "period" || ev.Period.CurrentDayDate != "2024-06-12" {
		t.Errorf("initial event = %+v", ev)
	}

	body := bytes.NewReader([]byte(`{"goal":"berries","count":2}`))
	resp, err := http.Post(ts.URL+"/api/v1/counts", "application/json", body)
	if err != nil {
		t.Fatalf("POST counts: %v", err)
	}
	resp.Body.Close()

	// The feed may coalesce; read until the change shows up.
	for {
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("change event: %v", err)
		}
		if ev.Period.DailyCounts["2024-06-12"]["berries"] == 2 {
			break
		}
	}
	if ev.Period.WeeklyCounts["berries"] != 2 {
		t.Errorf("weekly berries = %d", ev.Period.WeeklyCounts["berries"])
	}
}

func TestShutdownClosesEvents(t *testing.T) {
	s, _ := setupTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("initial event: %v", err)
	}

	// The test server is not the one Shutdown stops, but the shutdown hook
	// still ends every feed of this Server.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown = %v, want going-away close", err)
	}
}
