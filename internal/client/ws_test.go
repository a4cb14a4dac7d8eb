package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/padsync/server/internal/config"
	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/hub"
	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/store/memstore"
	"github.com/padsync/server/internal/ws"
)

func startServer(t *testing.T) (string, int64) {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	if _, err := st.CreatePad(ctx, pad.PadCreate{ID: "abc", WriteID: "abc-write", Name: "Test"}); err != nil {
		t.Fatal(err)
	}
	mt, err := st.CreateType(ctx, "abc", pad.TypeCreate{Name: "Marker", Type: pad.TypeMarker})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	h := hub.New(st, nil, zap.NewNop(), nil, hub.Options{Strict: true})
	srv := ws.NewServer(cfg, h, zap.NewNop(), nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", mt.ID
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, "", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Client) ws.Frame {
	t.Helper()
	select {
	case f, ok := <-c.Events():
		if !ok {
			t.Fatalf("events closed: %v", c.Err())
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an event")
		return ws.Frame{}
	}
}

func TestClientRoundTrip(t *testing.T) {
	url, markerType := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	writer := dial(t, url)
	reader := dial(t, url)
	box := geo.BoundingBox{Top: 10, Left: 10, Bottom: 0, Right: 20, Zoom: 5}

	for _, c := range []*Client{writer, reader} {
		if err := c.UpdateBbox(ctx, box); err != nil {
			t.Fatalf("UpdateBbox: %v", err)
		}
	}
	if err := writer.SetPadID(ctx, "abc-write"); err != nil {
		t.Fatalf("SetPadID: %v", err)
	}
	if err := reader.SetPadID(ctx, "abc"); err != nil {
		t.Fatalf("SetPadID: %v", err)
	}

	f := nextEvent(t, reader)
	var d pad.Data
	if f.Event != "padData" || json.Unmarshal(f.Data, &d) != nil || d.Writable {
		t.Fatalf("first reader event = %s %s", f.Event, f.Data)
	}
	// the marker type follows
	if f := nextEvent(t, reader); f.Event != "type" {
		t.Fatalf("second reader event = %s", f.Event)
	}

	marker := map[string]any{"lat": 5, "lon": 15, "name": "X", "typeId": markerType}
	_, err := reader.Request(ctx, ws.MsgAddMarker, marker)
	var ackErr *AckError
	if !errors.As(err, &ackErr) || ackErr.Message != "In read-only mode." {
		t.Fatalf("read-only request error = %v", err)
	}

	raw, err := writer.Request(ctx, ws.MsgAddMarker, marker)
	if err != nil {
		t.Fatalf("addMarker: %v", err)
	}
	var created pad.Marker
	if err := json.Unmarshal(raw, &created); err != nil || created.ID == 0 {
		t.Fatalf("addMarker result = %s", raw)
	}

	f = nextEvent(t, reader)
	var got pad.Marker
	if f.Event != "marker" || json.Unmarshal(f.Data, &got) != nil || got.ID != created.ID {
		t.Fatalf("reader got %s %s, want marker %d", f.Event, f.Data, created.ID)
	}
}

func TestRequestAfterClose(t *testing.T) {
	url, _ := startServer(t)
	c := dial(t, url)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatal("unexpected event after close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events not closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.SetPadID(ctx, "abc"); err == nil {
		t.Error("request on a closed client succeeded")
	}
}

func TestRequestContextDeadline(t *testing.T) {
	url, markerType := startServer(t)
	c := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// mutations before setPadId are never acked
	_, err := c.Request(ctx, ws.MsgAddMarker, map[string]any{"lat": 1, "lon": 1, "typeId": markerType})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}
