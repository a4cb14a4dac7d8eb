package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/padsync/server/internal/config"
	"github.com/padsync/server/internal/hub"
	"github.com/padsync/server/internal/metrics"
	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/store/memstore"
)

type testEnv struct {
	ts         *httptest.Server
	srv        *Server
	hub        *hub.Hub
	markerType int64
}

// newTestEnv serves a hub over a memory store holding pad "abc" (write id
// "abc-write") with one marker type.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	st := memstore.New()
	ctx := context.Background()
	if _, err := st.CreatePad(ctx, pad.PadCreate{ID: "abc", WriteID: "abc-write", Name: "Test"}); err != nil {
		t.Fatalf("CreatePad: %v", err)
	}
	mt, err := st.CreateType(ctx, "abc", pad.TypeCreate{Name: "Marker", Type: pad.TypeMarker})
	if err != nil {
		t.Fatalf("CreateType: %v", err)
	}

	reg := prometheus.NewRegistry()
	h := hub.New(st, nil, zap.NewNop(), metrics.New(reg), hub.Options{Strict: cfg.Sync.StrictPayloads})
	srv := NewServer(cfg, h, zap.NewNop(), reg)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &testEnv{ts: ts, srv: srv, hub: h, markerType: mt.ID}
}

func (e *testEnv) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws" + query
}

// dialTestWS opens a client connection to the test server.
func dialTestWS(t *testing.T, e *testEnv) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(e.wsURL(""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func emit(t *testing.T, c *websocket.Conn, event string, id uint64, data any) {
	t.Helper()
	req := map[string]any{"event": event, "data": data}
	if id != 0 {
		req["id"] = id
	}
	if err := c.WriteJSON(req); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readFrame(t *testing.T, c *websocket.Conn) Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f Frame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

// readUntilAck returns the ack for id and the events received before it.
func readUntilAck(t *testing.T, c *websocket.Conn, id uint64) (Frame, []Frame) {
	t.Helper()
	var events []Frame
	for {
		f := readFrame(t, c)
		if f.Event == "ack" {
			if f.ID == nil {
				t.Fatal("ack without id")
			}
			if *f.ID == id {
				return f, events
			}
			t.Fatalf("got ack %d while waiting for %d", *f.ID, id)
		}
		events = append(events, f)
	}
}

func ackError(f Frame) string {
	if f.Error == nil {
		return ""
	}
	return *f.Error
}

var testBbox = map[string]any{"top": 10, "left": 10, "bottom": 0, "right": 20, "zoom": 5}

func TestEndToEnd_WriterAndReader(t *testing.T) {
	e := newTestEnv(t, nil)
	writer := dialTestWS(t, e)
	reader := dialTestWS(t, e)

	for _, c := range []struct {
		conn *websocket.Conn
		id   string
	}{{writer, "abc-write"}, {reader, "abc"}} {
		emit(t, c.conn, MsgUpdateBbox, 1, testBbox)
		if ack, _ := readUntilAck(t, c.conn, 1); ackError(ack) != "" {
			t.Fatalf("updateBbox ack error: %s", ackError(ack))
		}
		emit(t, c.conn, MsgSetPadID, 2, c.id)
		ack, events := readUntilAck(t, c.conn, 2)
		if ackError(ack) != "" {
			t.Fatalf("setPadId ack error: %s", ackError(ack))
		}
		if len(events) == 0 || events[0].Event != "padData" {
			t.Fatalf("first event = %v, want padData", events)
		}
	}

	marker := map[string]any{"lat": 5, "lon": 15, "name": "X", "colour": "f00", "typeId": e.markerType}

	emit(t, reader, MsgAddMarker, 3, marker)
	ack, _ := readUntilAck(t, reader, 3)
	if got := ackError(ack); got != "In read-only mode." {
		t.Fatalf("read-only ack error = %q", got)
	}

	emit(t, writer, MsgAddMarker, 3, marker)
	ack, _ = readUntilAck(t, writer, 3)
	if ackError(ack) != "" {
		t.Fatalf("addMarker ack error: %s", ackError(ack))
	}
	var created pad.Marker
	if err := json.Unmarshal(ack.Data, &created); err != nil || created.ID == 0 {
		t.Fatalf("ack data = %s (%v)", ack.Data, err)
	}

	f := readFrame(t, reader)
	var got pad.Marker
	if f.Event != "marker" || json.Unmarshal(f.Data, &got) != nil || got.ID != created.ID {
		t.Fatalf("reader got %s %s, want the created marker", f.Event, f.Data)
	}
}

func TestSetPadID_NotFound(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialTestWS(t, e)

	emit(t, c, MsgSetPadID, 1, "nope")
	ack, events := readUntilAck(t, c, 1)
	if len(events) != 1 || events[0].Event != "error" {
		t.Fatalf("events = %+v, want one error event", events)
	}
	var msg string
	_ = json.Unmarshal(events[0].Data, &msg)
	if msg != "This pad does not exist." || ackError(ack) != msg {
		t.Errorf("error event %q, ack error %q", msg, ackError(ack))
	}

	emit(t, c, MsgSetPadID, 2, "abc")
	if ack, _ := readUntilAck(t, c, 2); ackError(ack) != "" {
		t.Errorf("retry failed: %s", ackError(ack))
	}
}

func TestSetPadID_Twice(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialTestWS(t, e)

	emit(t, c, MsgSetPadID, 1, "abc")
	readUntilAck(t, c, 1)
	emit(t, c, MsgSetPadID, 2, "abc-write")
	ack, events := readUntilAck(t, c, 2)
	if ackError(ack) != "" || len(events) != 0 {
		t.Errorf("second setPadId: ack %q, events %v", ackError(ack), events)
	}
}

func TestMutationBeforeSetPadIsIgnored(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialTestWS(t, e)

	emit(t, c, MsgAddMarker, 1, map[string]any{"lat": 1, "lon": 1, "typeId": e.markerType})
	emit(t, c, MsgSetPadID, 2, "abc-write")
	// readUntilAck fails on an ack for 1
	readUntilAck(t, c, 2)
}

func TestRequestErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialTestWS(t, e)
	emit(t, c, MsgSetPadID, 1, "abc-write")
	readUntilAck(t, c, 1)

	tests := []struct {
		name  string
		event string
		data  any
		want  string
	}{
		{"unknown event", "dropTables", nil, "Unknown operation."},
		{"bad bbox", MsgUpdateBbox, map[string]any{"top": 100, "left": 0, "bottom": 0, "right": 1}, "Invalid parameters"},
		{"bad marker", MsgAddMarker, map[string]any{"lat": "north"}, "Invalid parameters"},
		{"missing marker", MsgDeleteMarker, map[string]any{"id": 999}, "not found"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uint64(10 + i)
			emit(t, c, tt.event, id, tt.data)
			ack, _ := readUntilAck(t, c, id)
			if got := ackError(ack); !strings.Contains(got, tt.want) {
				t.Errorf("ack error = %q, want it to contain %q", got, tt.want)
			}
			if string(ack.Data) != "null" {
				t.Errorf("failed ack carries data %s", ack.Data)
			}
		})
	}
}

func TestConnectionErrorsKeepConnectionOpen(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialTestWS(t, e)

	if err := c.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	emit(t, c, MsgSetPadID, 1, "abc")
	if ack, _ := readUntilAck(t, c, 1); ackError(ack) != "" {
		t.Errorf("setPadId after malformed frame: %s", ackError(ack))
	}
}

func TestDisconnectRemovesListener(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialTestWS(t, e)
	emit(t, c, MsgSetPadID, 1, "abc")
	readUntilAck(t, c, 1)

	if n := e.hub.Registry().Count("abc"); n != 1 {
		t.Fatalf("listeners = %d, want 1", n)
	}
	c.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.hub.Registry().Count("abc") == 0 && e.srv.ActiveConnections() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listeners = %d, connections = %d after close", e.hub.Registry().Count("abc"), e.srv.ActiveConnections())
}

func TestMaxConnections(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Server.MaxConnections = 1 })

	first := dialTestWS(t, e)

	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL(""), nil)
	if err == nil {
		t.Fatal("second connection accepted over the limit")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second dial response = %v, want 503", resp)
	}

	first.Close()
	deadline := time.Now().Add(3 * time.Second)
	for e.srv.ActiveConnections() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slot not released after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
	dialTestWS(t, e)
}

func TestAuthToken(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Server.AuthToken = "s3cret" })

	if _, resp, err := websocket.DefaultDialer.Dial(e.wsURL(""), nil); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: err=%v resp=%v", err, resp)
	}
	c, _, err := websocket.DefaultDialer.Dial(e.wsURL("?token=s3cret"), nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	c.Close()

	resp, err := http.Get(e.ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/api/status", nil)
	req.Header.Set(TokenHeader, "s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with token = %d, want 200", resp.StatusCode)
	}
}

func TestStatusAndHealth(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialTestWS(t, e)
	emit(t, c, MsgSetPadID, 1, "abc")
	readUntilAck(t, c, 1)

	resp, err := http.Get(e.ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("status response lacks security headers")
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Store != config.DriverMemory || st.Sessions != 1 || st.Pads != 1 || st.Listeners != 1 || st.Goroutines == 0 {
		t.Errorf("status = %+v", st)
	}

	health, err := http.Get(e.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", health.StatusCode)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialTestWS(t, e)
	emit(t, c, MsgSetPadID, 1, "abc-write")
	readUntilAck(t, c, 1)

	resp, err := http.Get(e.ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var sessions []struct {
		ID       string `json:"id"`
		Pad      string `json:"pad"`
		Writable bool   `json:"writable"`
		State    string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %+v, want 1", sessions)
	}
	if got := sessions[0]; got.State != "bound" || got.Pad != "abc" || !got.Writable || got.ID == "" {
		t.Errorf("session = %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialTestWS(t, e)
	emit(t, c, MsgSetPadID, 1, "abc")
	readUntilAck(t, c, 1)

	resp, err := http.Get(e.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}
	for _, name := range []string{"padsync_sessions_connected", "padsync_events_sent_total"} {
		if !strings.Contains(body.String(), name) {
			t.Errorf("/metrics lacks %s", name)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestAuthorize(t *testing.T) {
	s := &Server{authToken: "tok"}
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   bool
	}{
		{"none", "/ws", nil, false},
		{"query", "/ws?token=tok", nil, true},
		{"header", "/ws", map[string]string{TokenHeader: "tok"}, true},
		{"bearer", "/ws", map[string]string{"Authorization": "Bearer tok"}, true},
		{"wrong bearer", "/ws", map[string]string{"Authorization": "Bearer nope"}, false},
		{"basic", "/ws", map[string]string{"Authorization": "Basic tok"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := s.authorize(r); got != tt.want {
				t.Errorf("authorize = %v, want %v", got, tt.want)
			}
		})
	}

	open := &Server{}
	if !open.authorize(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Error("server without token rejected a request")
	}
}

func TestCheckOrigin(t *testing.T) {
	cfg := config.Default()
	restricted := NewServer(func() *config.Config {
		c := config.Default()
		c.Server.AllowedOrigins = []string{"https://maps.example.com", " "}
		return c
	}(), nil, nil, nil)
	open := NewServer(cfg, nil, nil, nil)

	tests := []struct {
		name   string
		srv    *Server
		origin string
		host   string
		want   bool
	}{
		{"no origin", open, "", "srv:8080", true},
		{"same host", open, "http://srv:8080", "srv:8080", true},
		{"localhost", open, "http://localhost:5173", "srv:8080", true},
		{"loopback v6", open, "http://[::1]:3000", "srv:8080", true},
		{"foreign", open, "https://evil.example", "srv:8080", false},
		{"allowed", restricted, "https://maps.example.com", "srv:8080", true},
		{"allowed host other scheme", restricted, "http://maps.example.com", "srv:8080", true},
		{"not allowed", restricted, "http://localhost:5173", "srv:8080", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := tt.srv.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
